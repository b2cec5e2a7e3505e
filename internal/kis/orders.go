package kis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/testgpt852-arch/korea-stock-bot/internal/trader"
)

const orderCashPath = "/uapi/domestic-stock/v1/trading/order-cash"

// Transaction ids differ between the production and sandbox endpoints.
const (
	trIDBuyCash        = "TTTC0802U"
	trIDSellCash       = "TTTC0801U"
	trIDBuyCashSandbox = "VTTC0802U"
	trIDSellCashSandbx = "VTTC0801U"
)

type orderResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		OrderNo string `json:"ODNO"`
	} `json:"output"`
}

// Open places a market buy. The cash order endpoint does not return a
// fill price, so the latest traded price stands in as the entry estimate.
func (c *Client) Open(ctx context.Context, symbol string, qty int64) (trader.OrderResult, error) {
	trID := trIDBuyCash
	if c.opts.Sandbox {
		trID = trIDBuyCashSandbox
	}
	if err := c.placeOrder(ctx, trID, symbol, qty); err != nil {
		return trader.OrderResult{}, err
	}
	price, err := c.CurrentPrice(ctx, symbol)
	if err != nil {
		return trader.OrderResult{}, fmt.Errorf("entry price after buy %s: %w", symbol, err)
	}
	return trader.OrderResult{Price: price, Quantity: qty}, nil
}

// Close places a market sell for the full quantity.
func (c *Client) Close(ctx context.Context, symbol string, qty int64) (trader.OrderResult, error) {
	trID := trIDSellCash
	if c.opts.Sandbox {
		trID = trIDSellCashSandbx
	}
	if err := c.placeOrder(ctx, trID, symbol, qty); err != nil {
		return trader.OrderResult{}, err
	}
	price, err := c.CurrentPrice(ctx, symbol)
	if err != nil {
		// The sell went through; report it with an unknown price rather
		// than making the caller believe the position is still open.
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("exit price lookup failed")
		return trader.OrderResult{Quantity: qty}, nil
	}
	return trader.OrderResult{Price: price, Quantity: qty}, nil
}

func (c *Client) placeOrder(ctx context.Context, trID, symbol string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("order %s: quantity must be positive", symbol)
	}
	if len(c.opts.AccountNo) < 10 {
		return fmt.Errorf("order %s: account number not configured", symbol)
	}

	headers, err := c.apiHeaders(ctx, trID)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"CANO":         c.opts.AccountNo[:8],
		"ACNT_PRDT_CD": c.opts.AccountNo[8:],
		"PDNO":         symbol,
		"ORD_DVSN":     "01",
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     "0",
	}

	var res orderResponse
	if err := c.postJSON(ctx, orderCashPath, headers, payload, &res); err != nil {
		return fmt.Errorf("order %s: %w", symbol, err)
	}
	if res.RtCd != "0" {
		return fmt.Errorf("order %s: broker returned rt_cd=%s msg=%s", symbol, res.RtCd, res.Msg1)
	}

	c.logger.Info().Str("symbol", symbol).Str("order_no", res.Output.OrderNo).
		Int64("qty", qty).Str("tr_id", trID).Msg("order accepted")
	return nil
}

var _ trader.OrderExecutor = (*Client)(nil)
