package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRESTFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"symbol": "BTCUSDT", "price": "65000.12"},
			{"symbol": "ETHUSDT", "price": 3200.5},
			{"symbol": "BADUSDT", "price": "not-a-number"},
			{"symbol": "ZEROUSDT", "price": "0"},
		})
	}))
	defer srv.Close()

	s := NewREST(RESTOptions{
		Exchange: "binance",
		URL:      srv.URL,
		Timeout:  time.Second,
	}, noopLogger())

	ticks, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("期望 2 条有效行情, 实际 %d", len(ticks))
	}
	if ticks[0].CoinName != "BTCUSDT" || ticks[0].Exchange != "binance" {
		t.Fatalf("tick 标记错误: %+v", ticks[0])
	}
	if ticks[0].Price.String() != "65000.12" {
		t.Fatalf("价格解析错误: %s", ticks[0].Price.String())
	}
}

func TestRESTFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"msg":"rate limited"}`))
	}))
	defer srv.Close()

	s := NewREST(RESTOptions{Exchange: "binance", URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := s.Fetch(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
	fetchErr, ok := err.(*FetchError)
	if !ok {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fetchErr.Status != http.StatusTooManyRequests {
		t.Fatalf("status 不正确: %d", fetchErr.Status)
	}
}

func TestRESTFetchNetworkAndParseErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	s := NewREST(RESTOptions{Exchange: "binance", URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := s.Fetch(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Exchange != "binance" {
		t.Fatalf("网络失败应返回 *FetchError: %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer bad.Close()

	s = NewREST(RESTOptions{Exchange: "okx", URL: bad.URL, Timeout: time.Second}, noopLogger())
	_, err = s.Fetch(context.Background())
	if !errors.As(err, &fetchErr) || fetchErr.Exchange != "okx" {
		t.Fatalf("解析失败应返回 *FetchError: %v", err)
	}
}

func TestRESTFetchWrappedArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": []map[string]any{
				{"symbol": "BTCUSDT", "price": "64000"},
			},
		})
	}))
	defer srv.Close()

	s := NewREST(RESTOptions{
		Exchange:   "gate",
		URL:        srv.URL,
		CoinsField: "data",
		Timeout:    time.Second,
	}, noopLogger())

	ticks, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(ticks) != 1 || ticks[0].CoinName != "BTCUSDT" {
		t.Fatalf("嵌套数组解析失败: %+v", ticks)
	}

	missing := NewREST(RESTOptions{Exchange: "gate", URL: srv.URL, CoinsField: "result", Timeout: time.Second}, noopLogger())
	if _, err := missing.Fetch(context.Background()); err == nil {
		t.Fatal("缺失的包裹字段应返回错误")
	}
}

func TestRESTFetchCustomFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"instrument_id": "BTC-USDT", "last": "64000"},
		})
	}))
	defer srv.Close()

	s := NewREST(RESTOptions{
		Exchange:    "okx",
		URL:         srv.URL,
		SymbolField: "instrument_id",
		PriceField:  "last",
		Timeout:     time.Second,
	}, noopLogger())

	ticks, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(ticks) != 1 || ticks[0].CoinName != "BTC-USDT" {
		t.Fatalf("自定义字段解析失败: %+v", ticks)
	}
}
