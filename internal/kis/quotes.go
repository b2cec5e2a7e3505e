package kis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

const (
	fluctuationRankPath = "/uapi/domestic-stock/v1/ranking/fluctuation"
	inquirePricePath    = "/uapi/domestic-stock/v1/quotations/inquire-price"

	trIDFluctuationRank = "FHPST01700000"
	trIDInquirePrice    = "FHKST01010100"
)

type rankedResponse struct {
	RtCd   string       `json:"rt_cd"`
	Msg1   string       `json:"msg1"`
	Output []rankedItem `json:"output"`
}

type rankedItem struct {
	Symbol     string `json:"stck_shrn_iscd"`
	Name       string `json:"hts_kor_isnm"`
	Price      string `json:"stck_prpr"`
	OpenPrice  string `json:"stck_oprc"`
	ChangeRate string `json:"prdy_ctrt"`
	AcmlVolume string `json:"acml_vol"`
	PrdyVolume string `json:"prdy_vol"`
}

// PollRanked fetches the fluctuation-rate ranking for one market and
// normalises it into quotes. Rows that fail numeric parsing are dropped
// with a warning instead of failing the whole batch.
func (c *Client) PollRanked(ctx context.Context, marketCode string) ([]market.Quote, error) {
	headers, err := c.apiHeaders(ctx, trIDFluctuationRank)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fid_cond_mrkt_div_code", marketCode)
	query.Set("fid_cond_scr_div_code", "20170")
	query.Set("fid_input_iscd", "0000")
	query.Set("fid_rank_sort_cls_code", "0")
	query.Set("fid_rsfl_rate1", "")
	query.Set("fid_rsfl_rate2", "")

	var res rankedResponse
	if err := c.getJSON(ctx, fluctuationRankPath, headers, query, &res); err != nil {
		return nil, fmt.Errorf("poll ranked: %w", err)
	}
	if res.RtCd != "0" {
		return nil, fmt.Errorf("poll ranked: broker returned rt_cd=%s msg=%s", res.RtCd, res.Msg1)
	}

	now := time.Now()
	quotes := make([]market.Quote, 0, len(res.Output))
	for _, item := range res.Output {
		q, err := item.toQuote(now)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", item.Symbol).Msg("ranked row dropped")
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func (it rankedItem) toQuote(now time.Time) (market.Quote, error) {
	price, err := decimal.NewFromString(it.Price)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse price: %w", err)
	}
	open := decimal.Zero
	if it.OpenPrice != "" {
		if open, err = decimal.NewFromString(it.OpenPrice); err != nil {
			return market.Quote{}, fmt.Errorf("parse open price: %w", err)
		}
	}
	changePct, err := strconv.ParseFloat(it.ChangeRate, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse change rate: %w", err)
	}
	acml, err := strconv.ParseInt(it.AcmlVolume, 10, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse volume: %w", err)
	}
	var prdy int64
	if it.PrdyVolume != "" {
		if prdy, err = strconv.ParseInt(it.PrdyVolume, 10, 64); err != nil {
			return market.Quote{}, fmt.Errorf("parse prior volume: %w", err)
		}
	}

	return market.Quote{
		Symbol:             it.Symbol,
		Name:               it.Name,
		Price:              price,
		OpenPrice:          open,
		ChangePct:          changePct,
		CumulativeVolume:   acml,
		PriorSessionVolume: prdy,
		Timestamp:          now,
	}, nil
}

type priceResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		Price string `json:"stck_prpr"`
	} `json:"output"`
}

// CurrentPrice fetches the latest traded price for one symbol.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	headers, err := c.apiHeaders(ctx, trIDInquirePrice)
	if err != nil {
		return decimal.Zero, err
	}

	query := url.Values{}
	query.Set("fid_cond_mrkt_div_code", "J")
	query.Set("fid_input_iscd", symbol)

	var res priceResponse
	if err := c.getJSON(ctx, inquirePricePath, headers, query, &res); err != nil {
		return decimal.Zero, fmt.Errorf("current price %s: %w", symbol, err)
	}
	if res.RtCd != "0" {
		return decimal.Zero, fmt.Errorf("current price %s: broker returned rt_cd=%s msg=%s", symbol, res.RtCd, res.Msg1)
	}

	price, err := decimal.NewFromString(res.Output.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("current price %s: parse %q: %w", symbol, res.Output.Price, err)
	}
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("current price %s: broker returned zero", symbol)
	}
	return price, nil
}

var _ market.QuoteSource = (*Client)(nil)
var _ market.PriceSource = (*Client)(nil)
