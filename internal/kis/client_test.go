package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/testgpt852-arch/korea-stock-bot/internal/ratelimit"
)

func testMux(tokenHits *atomic.Int32) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		if tokenHits != nil {
			tokenHits.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123",
			"expires_in":   86400,
		})
	})
	return mux
}

func newTestClient(t *testing.T, mux *http.ServeMux, limiter *ratelimit.Limiter) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:   srv.URL,
		AppKey:    "app",
		AppSecret: "secret",
		AccountNo: "1234567801",
	}, limiter, zerolog.Nop())
}

func priceHandler(price string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":  "0",
			"output": map[string]string{"stck_prpr": price},
		})
	}
}

func TestAccessTokenIsCached(t *testing.T) {
	var tokenHits atomic.Int32
	mux := testMux(&tokenHits)
	mux.HandleFunc(inquirePricePath, priceHandler("71500"))

	c := newTestClient(t, mux, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.CurrentPrice(ctx, "005930"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := tokenHits.Load(); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}
}

func TestCurrentPrice(t *testing.T) {
	mux := testMux(nil)
	mux.HandleFunc(inquirePricePath, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("tr_id"); got != trIDInquirePrice {
			t.Errorf("tr_id = %s", got)
		}
		if got := r.Header.Get("authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization = %s", got)
		}
		if got := r.URL.Query().Get("fid_input_iscd"); got != "005930" {
			t.Errorf("symbol query = %s", got)
		}
		priceHandler("71500")(w, r)
	})

	c := newTestClient(t, mux, nil)
	price, err := c.CurrentPrice(context.Background(), "005930")
	if err != nil {
		t.Fatal(err)
	}
	if price.String() != "71500" {
		t.Fatalf("price = %s", price)
	}
}

func TestCurrentPriceBrokerRejection(t *testing.T) {
	mux := testMux(nil)
	mux.HandleFunc(inquirePricePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rt_cd": "1", "msg1": "expired token"})
	})

	c := newTestClient(t, mux, nil)
	if _, err := c.CurrentPrice(context.Background(), "005930"); err == nil {
		t.Fatal("rt_cd != 0 must surface as an error")
	}
}

func TestPollRankedDropsMalformedRows(t *testing.T) {
	mux := testMux(nil)
	mux.HandleFunc(fluctuationRankPath, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("fid_cond_mrkt_div_code"); got != "J" {
			t.Errorf("market query = %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": []map[string]string{
				{
					"stck_shrn_iscd": "005930",
					"hts_kor_isnm":   "삼성전자",
					"stck_prpr":      "71500",
					"stck_oprc":      "70000",
					"prdy_ctrt":      "4.20",
					"acml_vol":       "1250000",
					"prdy_vol":       "900000",
				},
				{
					"stck_shrn_iscd": "000660",
					"stck_prpr":      "not-a-number",
					"prdy_ctrt":      "2.0",
					"acml_vol":       "10",
				},
			},
		})
	})

	c := newTestClient(t, mux, nil)
	quotes, err := c.PollRanked(context.Background(), "J")
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 {
		t.Fatalf("quotes = %d, want 1 (malformed row dropped)", len(quotes))
	}

	q := quotes[0]
	if q.Symbol != "005930" || q.Name != "삼성전자" {
		t.Fatalf("identity = %s %s", q.Symbol, q.Name)
	}
	if q.Price.String() != "71500" || q.OpenPrice.String() != "70000" {
		t.Fatalf("prices = %s / %s", q.Price, q.OpenPrice)
	}
	if q.ChangePct != 4.20 {
		t.Fatalf("change = %v", q.ChangePct)
	}
	if q.CumulativeVolume != 1250000 || q.PriorSessionVolume != 900000 {
		t.Fatalf("volumes = %d / %d", q.CumulativeVolume, q.PriorSessionVolume)
	}
}

func TestOpenUsesSandboxTrID(t *testing.T) {
	var orderTrID atomic.Value
	mux := testMux(nil)
	mux.HandleFunc(orderCashPath, func(w http.ResponseWriter, r *http.Request) {
		orderTrID.Store(r.Header.Get("tr_id"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["CANO"] != "12345678" || body["ACNT_PRDT_CD"] != "01" {
			t.Errorf("account split = %s / %s", body["CANO"], body["ACNT_PRDT_CD"])
		}
		if body["ORD_QTY"] != "10" {
			t.Errorf("qty = %s", body["ORD_QTY"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":  "0",
			"output": map[string]string{"ODNO": "0001"},
		})
	})
	mux.HandleFunc(inquirePricePath, priceHandler("71500"))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:   srv.URL,
		AppKey:    "app",
		AppSecret: "secret",
		AccountNo: "1234567801",
		Sandbox:   true,
	}, nil, zerolog.Nop())

	res, err := c.Open(context.Background(), "005930", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := orderTrID.Load(); got != trIDBuyCashSandbox {
		t.Fatalf("tr_id = %v, want %s", got, trIDBuyCashSandbox)
	}
	if res.Price.String() != "71500" || res.Quantity != 10 {
		t.Fatalf("result = %+v", res)
	}
}

func TestOrderRejectedByBroker(t *testing.T) {
	mux := testMux(nil)
	mux.HandleFunc(orderCashPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rt_cd": "1", "msg1": "insufficient balance"})
	})

	c := newTestClient(t, mux, nil)
	if _, err := c.Open(context.Background(), "005930", 10); err == nil {
		t.Fatal("rejected order must return an error")
	}
}

func TestRequestsPassThroughRateLimiter(t *testing.T) {
	mux := testMux(nil)
	mux.HandleFunc(inquirePricePath, priceHandler("71500"))

	limiter := ratelimit.New(19, time.Second)
	c := newTestClient(t, mux, limiter)

	if _, err := c.CurrentPrice(context.Background(), "005930"); err != nil {
		t.Fatal(err)
	}
	// Token issuance plus the quote itself.
	if got := limiter.Count(); got != 2 {
		t.Fatalf("limiter count = %d, want 2", got)
	}
}
