package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlake/fleetlake/internal/datalake"
	"github.com/fleetlake/fleetlake/internal/readers"
	"github.com/fleetlake/fleetlake/internal/status"
	enginesync "github.com/fleetlake/fleetlake/internal/sync"
)

// SyncController is the scheduler surface the API depends on.
type SyncController interface {
	Pause(reason string)
	Resume()
	TriggerManualSync(ctx context.Context, kind status.SyncKind) error
	GetStats(ctx context.Context) (*enginesync.Stats, error)
}

// TransactionsQuerier is the transaction read surface.
type TransactionsQuerier interface {
	List(ctx context.Context, orgID string, page readers.Page) ([]datalake.Transaction, error)
	ByCard(ctx context.Context, orgID, cardNumber string, page readers.Page) ([]datalake.Transaction, error)
	ByVehicle(ctx context.Context, orgID, plate string, page readers.Page) ([]datalake.Transaction, error)
	ByDateRange(ctx context.Context, orgID string, dr readers.DateRange, page readers.Page) ([]datalake.Transaction, error)
	ByCountry(ctx context.Context, orgID, country string, page readers.Page) ([]datalake.Transaction, error)
	Unbilled(ctx context.Context, orgID string, page readers.Page) ([]datalake.Transaction, error)
	ByInvoice(ctx context.Context, orgID, invoiceNumber string, page readers.Page) ([]datalake.Transaction, error)
	SearchStation(ctx context.Context, orgID, term string, page readers.Page) ([]datalake.Transaction, error)
}

// CardsQuerier is the card read surface.
type CardsQuerier interface {
	ByNumber(ctx context.Context, orgID, cardNumber string) (*datalake.Card, error)
	List(ctx context.Context, orgID string, page readers.Page) ([]datalake.Card, error)
	Search(ctx context.Context, orgID, term string, page readers.Page) ([]datalake.Card, error)
}

// VehiclesQuerier is the vehicle read surface.
type VehiclesQuerier interface {
	ByPlate(ctx context.Context, orgID, plate string) (*datalake.Vehicle, error)
	List(ctx context.Context, orgID string, page readers.Page) ([]datalake.Vehicle, error)
}

// FreshnessQuerier reports mirror staleness.
type FreshnessQuerier interface {
	DataFreshness(ctx context.Context, orgID string) ([]readers.EntityFreshness, error)
}

// Routes holds the handler dependencies.
type Routes struct {
	orgID        string
	scheduler    SyncController
	transactions TransactionsQuerier
	cards        CardsQuerier
	vehicles     VehiclesQuerier
	freshness    FreshnessQuerier
}

// NewRoutes creates the data lake route handlers.
func NewRoutes(
	orgID string,
	scheduler SyncController,
	transactions TransactionsQuerier,
	cards CardsQuerier,
	vehicles VehiclesQuerier,
	freshness FreshnessQuerier,
) *Routes {
	return &Routes{
		orgID:        orgID,
		scheduler:    scheduler,
		transactions: transactions,
		cards:        cards,
		vehicles:     vehicles,
		freshness:    freshness,
	}
}

// Router builds the /api/v1/datalake subtree.
func (rr *Routes) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", rr.getStatus)
	r.Post("/sync/trigger", rr.triggerSync)
	r.Post("/sync/pause", rr.pauseSync)
	r.Post("/sync/resume", rr.resumeSync)

	r.Get("/transactions", rr.listTransactions)
	r.Get("/cards", rr.listCards)
	r.Get("/cards/{number}", rr.getCard)
	r.Get("/vehicles", rr.listVehicles)
	r.Get("/vehicles/{plate}", rr.getVehicle)
	r.Get("/freshness", rr.getFreshness)

	return r
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := rr.scheduler.GetStats(r.Context())
	if err != nil {
		slog.Error("failed to collect sync stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to collect sync status")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// TriggerResponse acknowledges a manual sync.
type TriggerResponse struct {
	Triggered bool            `json:"triggered"`
	Kind      status.SyncKind `json:"kind"`
}

func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	kind := status.SyncKind(r.URL.Query().Get("type"))
	if kind == "" {
		kind = status.SyncKindFull
	}

	err := rr.scheduler.TriggerManualSync(r.Context(), kind)
	switch {
	case errors.Is(err, enginesync.ErrUnknownSyncType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, enginesync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Error("manual sync failed", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, TriggerResponse{Triggered: true, Kind: kind})
	}
}

// PauseRequest carries the optional pause reason.
type PauseRequest struct {
	Reason string `json:"reason"`
}

func (rr *Routes) pauseSync(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if r.Body != nil {
		// A missing or malformed body simply means no reason was given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "paused via API"
	}
	rr.scheduler.Pause(req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (rr *Routes) resumeSync(w http.ResponseWriter, _ *http.Request) {
	rr.scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func pageFrom(r *http.Request) readers.Page {
	var page readers.Page
	if v := r.URL.Query().Get("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		page.Offset, _ = strconv.Atoi(v)
	}
	return page
}

func (rr *Routes) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	page := pageFrom(r)

	var (
		txs []datalake.Transaction
		err error
	)
	switch {
	case q.Get("card") != "":
		txs, err = rr.transactions.ByCard(ctx, rr.orgID, q.Get("card"), page)
	case q.Get("vehicle") != "":
		txs, err = rr.transactions.ByVehicle(ctx, rr.orgID, q.Get("vehicle"), page)
	case q.Get("country") != "":
		txs, err = rr.transactions.ByCountry(ctx, rr.orgID, q.Get("country"), page)
	case q.Get("invoice") != "":
		txs, err = rr.transactions.ByInvoice(ctx, rr.orgID, q.Get("invoice"), page)
	case q.Get("unbilled") == "true":
		txs, err = rr.transactions.Unbilled(ctx, rr.orgID, page)
	case q.Get("search") != "":
		txs, err = rr.transactions.SearchStation(ctx, rr.orgID, q.Get("search"), page)
	case q.Get("from") != "" || q.Get("to") != "":
		var dr readers.DateRange
		if dr, err = parseDateRange(q.Get("from"), q.Get("to")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		txs, err = rr.transactions.ByDateRange(ctx, rr.orgID, dr, page)
	default:
		txs, err = rr.transactions.List(ctx, rr.orgID, page)
	}
	if err != nil {
		slog.Error("transaction query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "transaction query failed")
		return
	}
	if txs == nil {
		txs = []datalake.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func parseDateRange(from, to string) (readers.DateRange, error) {
	var dr readers.DateRange
	var err error
	if from != "" {
		if dr.From, err = time.Parse("2006-01-02", from); err != nil {
			return dr, errors.New("invalid from date, expected YYYY-MM-DD")
		}
	}
	if to != "" {
		if dr.To, err = time.Parse("2006-01-02", to); err != nil {
			return dr, errors.New("invalid to date, expected YYYY-MM-DD")
		}
		// Make the upper bound inclusive for the whole day.
		dr.To = dr.To.Add(24*time.Hour - time.Nanosecond)
	}
	return dr, nil
}

func (rr *Routes) listCards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := pageFrom(r)

	var (
		cards []datalake.Card
		err   error
	)
	if term := r.URL.Query().Get("search"); term != "" {
		cards, err = rr.cards.Search(ctx, rr.orgID, term, page)
	} else {
		cards, err = rr.cards.List(ctx, rr.orgID, page)
	}
	if err != nil {
		slog.Error("card query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "card query failed")
		return
	}
	if cards == nil {
		cards = []datalake.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (rr *Routes) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := rr.cards.ByNumber(r.Context(), rr.orgID, chi.URLParam(r, "number"))
	if errors.Is(err, readers.ErrNotFound) {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		slog.Error("card lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "card lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (rr *Routes) listVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := rr.vehicles.List(r.Context(), rr.orgID, pageFrom(r))
	if err != nil {
		slog.Error("vehicle query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "vehicle query failed")
		return
	}
	if vehicles == nil {
		vehicles = []datalake.Vehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (rr *Routes) getVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, err := rr.vehicles.ByPlate(r.Context(), rr.orgID, chi.URLParam(r, "plate"))
	if errors.Is(err, readers.ErrNotFound) {
		writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	if err != nil {
		slog.Error("vehicle lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "vehicle lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}

func (rr *Routes) getFreshness(w http.ResponseWriter, r *http.Request) {
	freshness, err := rr.freshness.DataFreshness(r.Context(), rr.orgID)
	if err != nil {
		slog.Error("freshness query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "freshness query failed")
		return
	}
	writeJSON(w, http.StatusOK, freshness)
}
