package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fleetlake/fleetlake/internal/config"
	"github.com/fleetlake/fleetlake/internal/datalake"
)

const (
	defaultPageSize = 100

	// Safety caps so a misbehaving provider cannot keep us paging forever.
	maxCardPages        = 50
	maxTransactionPages = 100

	// Delay between transaction pages, matching the provider's fair-use
	// guidance.
	transactionPageDelay = 300 * time.Millisecond

	maxRequestAttempts = 3
)

// DKV talks to the DKV Mobility enterprise API. Safe for concurrent use.
type DKV struct {
	baseURL         string
	customerNumber  string
	subscriptionKey string
	timeout         time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     *countingTokenSource
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

var _ Connector = (*DKV)(nil)

// NewDKV builds a connector from provider settings. The returned client
// manages its own OAuth2 token lifecycle.
func NewDKV(cfg *config.ProviderConfig, logger *slog.Logger) (*DKV, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider configuration is required")
	}
	secret, err := cfg.GetClientSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider client secret: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if timeout, err = time.ParseDuration(cfg.Timeout); err != nil {
			return nil, fmt.Errorf("invalid provider timeout: %w", err)
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     cfg.AuthURL,
	}
	tokens := &countingTokenSource{src: cc.TokenSource(context.Background())}

	d := &DKV{
		baseURL:         cfg.APIBaseURL,
		customerNumber:  cfg.CustomerNumber,
		subscriptionKey: cfg.SubscriptionKey,
		timeout:         timeout,
		tokens:          tokens,
		// The provider enforces 5 req/s per subscription.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		logger:  logger.With("component", "dkv-connector"),
	}
	d.httpClient = &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, tokens),
		},
	}
	return d, nil
}

// countingTokenSource wraps the client-credentials source so token
// refreshes show up in connector stats.
type countingTokenSource struct {
	src oauth2.TokenSource

	mu        sync.Mutex
	refreshes int64
}

func (c *countingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := c.src.Token()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()
	return tok, nil
}

func (c *countingTokenSource) count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// Stats returns a snapshot of the request counters.
func (d *DKV) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.TokenRefreshes = d.tokens.count()
	if d.stats.LastRequestTime != nil {
		t := *d.stats.LastRequestTime
		s.LastRequestTime = &t
	}
	return s
}

func (d *DKV) recordRequest(err error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.TotalRequests++
	d.stats.LastRequestTime = &now
	if err != nil {
		d.stats.FailedRequests++
	} else {
		d.stats.SuccessfulRequests++
	}
}

// getJSON performs a rate-limited GET against the API, retrying
// transient failures. 4xx responses are permanent.
func (d *DKV) getJSON(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	operation := func() (gjson.Result, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, backoff.Permanent(err)
		}

		u := d.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return gjson.Result{}, backoff.Permanent(err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", d.subscriptionKey)
		req.Header.Set("Accept", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.recordRequest(err)
			return gjson.Result{}, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			d.recordRequest(err)
			return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			d.recordRequest(nil)
			return gjson.ParseBytes(body), nil
		case resp.StatusCode >= 500:
			err := fmt.Errorf("provider returned %d for %s", resp.StatusCode, path)
			d.recordRequest(err)
			return gjson.Result{}, err
		default:
			err := fmt.Errorf("provider returned %d for %s", resp.StatusCode, path)
			d.recordRequest(err)
			return gjson.Result{}, backoff.Permanent(err)
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRequestAttempts),
	)
}

// items pulls the record list out of a response body. Payloads nest the
// list under varying keys depending on the endpoint generation, or
// return a bare array.
func items(body gjson.Result, keys ...string) []gjson.Result {
	if body.IsArray() {
		return body.Array()
	}
	for _, key := range append([]string{"data"}, keys...) {
		if v := body.Get(key); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

func (d *DKV) baseParams() url.Values {
	params := url.Values{}
	params.Set("customerNumber", d.customerNumber)
	return params
}

// GetAllCardsWithPagination walks the card pages until a short page.
func (d *DKV) GetAllCardsWithPagination(ctx context.Context) ([]datalake.Card, error) {
	var cards []datalake.Card
	for page := 1; ; page++ {
		if page > maxCardPages {
			d.logger.Warn("reached maximum page limit for cards", "pages", maxCardPages)
			break
		}
		params := d.baseParams()
		params.Set("page", fmt.Sprintf("%d", page))
		params.Set("pageSize", fmt.Sprintf("%d", defaultPageSize))

		body, err := d.getJSON(ctx, "/v1/cards", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch cards page %d: %w", page, err)
		}
		raw := items(body, "cards")
		for _, r := range raw {
			cards = append(cards, mapCard(r))
		}
		if len(raw) < defaultPageSize {
			break
		}
	}
	d.logger.Debug("fetched cards", "count", len(cards))
	return cards, nil
}

// GetRecentTransactions fetches the trailing window in one request.
func (d *DKV) GetRecentTransactions(ctx context.Context, daysBack int) ([]datalake.Transaction, error) {
	params := d.baseParams()
	now := time.Now()
	params.Set("fromDate", now.AddDate(0, 0, -daysBack).Format("2006-01-02"))
	params.Set("toDate", now.Format("2006-01-02"))

	body, err := d.getJSON(ctx, "/v1/transactions", params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent transactions: %w", err)
	}
	var txs []datalake.Transaction
	for _, r := range items(body, "transactions") {
		txs = append(txs, mapTransaction(r))
	}
	d.logger.Debug("fetched recent transactions", "count", len(txs), "days_back", daysBack)
	return txs, nil
}

// GetAllTransactionsWithPagination walks the transaction pages for the
// trailing window, pausing briefly between pages.
func (d *DKV) GetAllTransactionsWithPagination(ctx context.Context, daysBack int) ([]datalake.Transaction, error) {
	now := time.Now()
	fromDate := now.AddDate(0, 0, -daysBack).Format("2006-01-02")
	toDate := now.Format("2006-01-02")

	var txs []datalake.Transaction
	for page := 1; ; page++ {
		if page > maxTransactionPages {
			d.logger.Warn("reached maximum page limit for transactions", "pages", maxTransactionPages)
			break
		}
		params := d.baseParams()
		params.Set("fromDate", fromDate)
		params.Set("toDate", toDate)
		params.Set("page", fmt.Sprintf("%d", page))
		params.Set("pageSize", fmt.Sprintf("%d", defaultPageSize))

		body, err := d.getJSON(ctx, "/v1/transactions", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transactions page %d: %w", page, err)
		}
		raw := items(body, "transactions")
		for _, r := range raw {
			txs = append(txs, mapTransaction(r))
		}
		if len(raw) < defaultPageSize {
			break
		}
		select {
		case <-time.After(transactionPageDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.logger.Debug("fetched transactions", "count", len(txs), "days_back", daysBack)
	return txs, nil
}

// GetTollPassages fetches toll passages for the trailing window. A
// daysBack of zero or less fetches without a date filter.
func (d *DKV) GetTollPassages(ctx context.Context, daysBack int) ([]datalake.TollPassage, error) {
	params := d.baseParams()
	if daysBack > 0 {
		now := time.Now()
		params.Set("fromDate", now.AddDate(0, 0, -daysBack).Format("2006-01-02"))
		params.Set("toDate", now.Format("2006-01-02"))
	}
	body, err := d.getJSON(ctx, "/v1/toll/passages", params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch toll passages: %w", err)
	}
	var passages []datalake.TollPassage
	for _, r := range items(body, "passages") {
		passages = append(passages, mapTollPassage(r))
	}
	d.logger.Debug("fetched toll passages", "count", len(passages), "days_back", daysBack)
	return passages, nil
}

// GetInvoices fetches invoices.
func (d *DKV) GetInvoices(ctx context.Context) ([]datalake.Invoice, error) {
	body, err := d.getJSON(ctx, "/v1/invoices", d.baseParams())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch invoices: %w", err)
	}
	var invoices []datalake.Invoice
	for _, r := range items(body, "invoices") {
		invoices = append(invoices, mapInvoice(r))
	}
	d.logger.Debug("fetched invoices", "count", len(invoices))
	return invoices, nil
}

// GetVehicles fetches vehicle master data.
func (d *DKV) GetVehicles(ctx context.Context) ([]datalake.Vehicle, error) {
	body, err := d.getJSON(ctx, "/v1/vehicles", d.baseParams())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vehicles: %w", err)
	}
	var vehicles []datalake.Vehicle
	for _, r := range items(body, "vehicles") {
		vehicles = append(vehicles, mapVehicle(r))
	}
	d.logger.Debug("fetched vehicles", "count", len(vehicles))
	return vehicles, nil
}

// FullSync fetches every entity kind sequentially. A failing kind is
// recorded in the result and the remaining kinds still run.
func (d *DKV) FullSync(ctx context.Context, opts FullSyncOptions) (*FullSyncResult, error) {
	started := time.Now()
	d.logger.Info("starting full sync")

	daysBack := opts.TransactionDaysBack
	if daysBack <= 0 {
		daysBack = 30
	}
	tollDaysBack := opts.TollDaysBack
	if tollDaysBack <= 0 {
		tollDaysBack = 30
	}

	result := &FullSyncResult{}

	if cards, err := d.GetAllCardsWithPagination(ctx); err != nil {
		result.Errors = append(result.Errors, EntityError{Entity: "cards", Error: err.Error()})
	} else {
		result.Cards = cards
	}

	if txs, err := d.GetRecentTransactions(ctx, daysBack); err != nil {
		result.Errors = append(result.Errors, EntityError{Entity: "transactions", Error: err.Error()})
	} else {
		result.Transactions = txs
	}

	if passages, err := d.GetTollPassages(ctx, tollDaysBack); err != nil {
		result.Errors = append(result.Errors, EntityError{Entity: "tollPassages", Error: err.Error()})
	} else {
		result.TollPassages = passages
	}

	if invoices, err := d.GetInvoices(ctx); err != nil {
		result.Errors = append(result.Errors, EntityError{Entity: "invoices", Error: err.Error()})
	} else {
		result.Invoices = invoices
	}

	if vehicles, err := d.GetVehicles(ctx); err != nil {
		result.Errors = append(result.Errors, EntityError{Entity: "vehicles", Error: err.Error()})
	} else {
		result.Vehicles = vehicles
	}

	d.logger.Info("full sync fetch complete",
		"duration", time.Since(started).Round(time.Millisecond),
		"cards", len(result.Cards),
		"transactions", len(result.Transactions),
		"toll_passages", len(result.TollPassages),
		"invoices", len(result.Invoices),
		"vehicles", len(result.Vehicles),
		"errors", len(result.Errors),
	)
	return result, nil
}
