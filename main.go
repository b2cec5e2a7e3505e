package main

import "github.com/testgpt852-arch/korea-stock-bot/internal/cli"

func main() {
	cli.Execute()
}
