package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlake/fleetlake/internal/config"
)

func newTestDKV(t *testing.T, handler http.Handler) (*DKV, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.Handle("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d, err := NewDKV(&config.ProviderConfig{
		AuthURL:         srv.URL + "/token",
		APIBaseURL:      srv.URL,
		ClientID:        "client",
		ClientSecret:    "secret",
		SubscriptionKey: "sub-key",
		CustomerNumber:  "CUST-1",
		Timeout:         "5s",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d, srv
}

func TestDKV_GetAllCardsWithPagination(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/cards", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "sub-key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "CUST-1", r.URL.Query().Get("customerNumber"))

		calls.Add(1)
		page := r.URL.Query().Get("page")

		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			// A full page forces a second request.
			cards := make([]map[string]any, defaultPageSize)
			for i := range cards {
				cards[i] = map[string]any{"cardNumber": fmt.Sprintf("7001-%04d", i)}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": cards})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"cardNumber": "7001-last"}},
		})
	})

	d, _ := newTestDKV(t, handler)
	cards, err := d.GetAllCardsWithPagination(context.Background())
	require.NoError(t, err)

	assert.Len(t, cards, defaultPageSize+1)
	assert.Equal(t, int32(2), calls.Load(), "short page terminates pagination")
	assert.Equal(t, "7001-last", cards[len(cards)-1].CardNumber)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessfulRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
	assert.GreaterOrEqual(t, stats.TokenRefreshes, int64(1))
	assert.NotNil(t, stats.LastRequestTime)
}

func TestDKV_GetRecentTransactions_DateWindow(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transactions", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("fromDate"))
		assert.NotEmpty(t, r.URL.Query().Get("toDate"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": []map[string]any{
				{"transactionId": "tx-1", "grossAmount": 10},
				{"transactionId": "tx-2", "grossAmount": 20},
			},
		})
	})

	d, _ := newTestDKV(t, handler)
	txs, err := d.GetRecentTransactions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-1", txs[0].TransactionID)
}

func TestDKV_GetTollPassages_DateWindow(t *testing.T) {
	var gotFrom, gotTo string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/toll/passages", r.URL.Path)
		gotFrom = r.URL.Query().Get("fromDate")
		gotTo = r.URL.Query().Get("toDate")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"passageId": "p-1"}},
		})
	})

	d, _ := newTestDKV(t, handler)
	passages, err := d.GetTollPassages(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, passages, 1)

	now := time.Now()
	assert.Equal(t, now.AddDate(0, 0, -7).Format("2006-01-02"), gotFrom)
	assert.Equal(t, now.Format("2006-01-02"), gotTo)
}

func TestDKV_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	d, _ := newTestDKV(t, handler)
	_, err := d.GetInvoices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestDKV_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"passageId": "p-1"}}})
	})

	d, _ := newTestDKV(t, handler)
	passages, err := d.GetTollPassages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, int32(2), calls.Load())

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
}

func TestDKV_FullSync_CollectsEntityErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/cards":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"cardNumber": "7001-0001", "vehiclePlate": "B-FL 123"}},
			})
		case "/v1/invoices":
			// Permanent failure for one entity kind only.
			http.Error(w, "not entitled", http.StatusForbidden)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
		}
	})

	d, _ := newTestDKV(t, handler)
	result, err := d.FullSync(context.Background(), FullSyncOptions{TransactionDaysBack: 7})
	require.NoError(t, err, "entity failures must not fail the pass")

	require.Len(t, result.Cards, 1)
	assert.Empty(t, result.Invoices)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "invoices", result.Errors[0].Entity)
	assert.Contains(t, result.Errors[0].Error, "403")
}
