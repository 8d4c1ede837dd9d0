package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarketBuyPrice(t *testing.T) {
	// the API lists asks worst first
	asks := []OrderBookLevel{
		{Price: "0.55", Size: "100"},
		{Price: "0.52", Size: "10"},
		{Price: "0.50", Size: "10"},
	}

	tests := []struct {
		name    string
		amount  string
		want    string
		wantErr bool
	}{
		{"fits in best level", "4", "0.50", false},
		{"exactly best level", "5", "0.50", false},
		{"sweeps two levels", "8", "0.52", false},
		{"sweeps three levels", "20", "0.55", false},
		{"more than the book", "1000", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := marketBuyPrice(asks, dec(tt.amount))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOrderRejected)
				return
			}
			require.NoError(t, err)
			assert.True(t, price.Equal(dec(tt.want)), "got %s", price)
		})
	}

	_, err := marketBuyPrice(nil, dec("1"))
	assert.ErrorIs(t, err, ErrOrderRejected, "empty book")
}

func TestBuyAmounts(t *testing.T) {
	maker, taker := buyAmounts(dec("8"), dec("0.52"))
	assert.Equal(t, "8000000", maker.String())
	assert.Equal(t, "15384600", taker.String())

	maker, taker = buyAmounts(dec("2.499"), dec("0.5"))
	assert.Equal(t, "2490000", maker.String(), "usdc rounds down to cents")
	assert.Equal(t, "4980000", taker.String())
}

func TestHmacSign(t *testing.T) {
	a := hmacSign("1700000000POST/order{}", "c2VjcmV0")
	b := hmacSign("1700000000POST/order{}", "c2VjcmV0")
	c := hmacSign("1700000000POST/order{}", "b3RoZXI=")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "+", "url-safe alphabet")
}

// fakeExchange is a minimal CLOB serving creds, book, neg-risk, order and lookup.
type fakeExchange struct {
	orderHandler http.HandlerFunc
	orders       map[string]string // id -> status
	orderCalls   atomic.Int32
	lastOrder    OrderRequest
	lastHeaders  http.Header
}

func (f *fakeExchange) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api-key", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		_, _ = w.Write([]byte(`{"apiKey":"key-1","secret":"c2VjcmV0","passphrase":"pass"}`))
	})
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"asset_id":"123","asks":[{"price":"0.52","size":"10"},{"price":"0.50","size":"10"}],"bids":[]}`))
	})
	mux.HandleFunc("/neg-risk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"neg_risk":false}`))
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		f.orderCalls.Add(1)
		f.lastHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&f.lastOrder)
		f.orderHandler(w, r)
	})
	mux.HandleFunc("/data/order/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/data/order/")
		status, ok := f.orders[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(OpenOrder{ID: id, Status: status})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClob(t *testing.T, baseURL string, timeout time.Duration) *ClobClient {
	t.Helper()
	auth, err := NewAuth(testPrivateKey, 137)
	require.NoError(t, err)
	return NewClobClient(ClobConfig{BaseURL: baseURL, Timeout: timeout}, auth)
}

func TestSubmitMarketOrderSuccess(t *testing.T) {
	fx := &fakeExchange{orderHandler: func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"orderID":"0xexchange","status":"matched"}`))
	}}
	srv := fx.server(t)
	clob := newTestClob(t, srv.URL, 0)

	res, err := clob.SubmitMarketOrder(context.Background(), "123", models.SideBuy, dec("8"))
	require.NoError(t, err)

	assert.Equal(t, "0xexchange", res.OrderID)
	assert.Equal(t, "matched", res.Status)
	assert.True(t, strings.HasPrefix(res.OrderHash, "0x"))
	assert.Len(t, res.OrderHash, 66)

	assert.Equal(t, OrderTypeFOK, fx.lastOrder.OrderType)
	assert.Equal(t, "key-1", fx.lastOrder.Owner)
	assert.Equal(t, "8000000", fx.lastOrder.Order.MakerAmount)
	assert.Equal(t, "15384600", fx.lastOrder.Order.TakerAmount)
	assert.Equal(t, "BUY", fx.lastOrder.Order.Side)
	assert.Equal(t, testAddress, fx.lastOrder.Order.Maker)
	assert.Equal(t, "key-1", fx.lastHeaders.Get("POLY_API_KEY"))
	assert.NotEmpty(t, fx.lastHeaders.Get("POLY_SIGNATURE"))
}

func TestSubmitMarketOrderClassification(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantUnknown bool
		wantReject  bool
	}{
		{
			name: "http rejection",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"not enough balance"}`, http.StatusBadRequest)
			},
			wantReject: true,
		},
		{
			name: "success false",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"errorMsg":"FOK order not filled"}`))
			},
			wantReject: true,
		},
		{
			name: "gateway error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantUnknown: true,
		},
		{
			name: "garbled success body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":tr`))
			},
			wantUnknown: true,
		},
		{
			name: "timeout after send",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
			},
			wantUnknown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := &fakeExchange{orderHandler: tt.handler}
			srv := fx.server(t)
			clob := newTestClob(t, srv.URL, 0)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if tt.name == "timeout after send" {
				clob.httpClient.Timeout = 100 * time.Millisecond
			}

			_, err := clob.SubmitMarketOrder(ctx, "123", models.SideBuy, dec("8"))
			require.Error(t, err)
			assert.Equal(t, int32(1), fx.orderCalls.Load())

			assert.Equal(t, tt.wantUnknown, errors.Is(err, ErrUnknownOutcome), "unknown: %v", err)
			assert.Equal(t, tt.wantReject, errors.Is(err, ErrOrderRejected), "rejected: %v", err)

			if tt.wantUnknown {
				var unknown *UnknownOutcomeError
				require.ErrorAs(t, err, &unknown)
				assert.Len(t, unknown.OrderHash, 66)
			}
		})
	}
}

func TestSubmitMarketOrderGuards(t *testing.T) {
	clob := newTestClob(t, "http://127.0.0.1:1", 0)

	_, err := clob.SubmitMarketOrder(context.Background(), "123", models.SideSell, dec("5"))
	assert.Error(t, err)

	_, err = clob.SubmitMarketOrder(context.Background(), "123", models.SideBuy, decimal.Zero)
	assert.Error(t, err)
}

func TestIsDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = (&http.Client{Timeout: time.Second}).Get("http://" + addr)
	require.Error(t, err)
	assert.True(t, isDialError(err))

	assert.False(t, isDialError(context.DeadlineExceeded))
}

func TestLookupOrder(t *testing.T) {
	fx := &fakeExchange{orders: map[string]string{"0xabc": "MATCHED"}}
	srv := fx.server(t)
	clob := newTestClob(t, srv.URL, 0)

	order, err := clob.LookupOrder(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", order.ID)
	assert.Equal(t, "MATCHED", order.Status)

	_, err = clob.LookupOrder(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetUSDCBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api-key", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"apiKey":"key-1","secret":"c2VjcmV0","passphrase":"pass"}`))
	})
	mux.HandleFunc("/balance-allowance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
		_, _ = w.Write([]byte(`{"balance":"12345678","allowance":"0"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clob := newTestClob(t, srv.URL, 0)
	balance, err := clob.GetUSDCBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("12.345678")), "got %s", balance)
}

func TestDeriveAPICredsFallsBackToDerive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api-key", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "key exists", http.StatusBadRequest)
	})
	mux.HandleFunc("/auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"apiKey":"derived","secret":"c2VjcmV0","passphrase":"pass"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clob := newTestClob(t, srv.URL, 0)
	creds, err := clob.DeriveAPICreds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "derived", creds.APIKey)
}
