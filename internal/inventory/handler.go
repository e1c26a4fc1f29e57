package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/measure"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "stock-entries"
	maxBodyBytes      = 1 << 20
	maxPageSize       = 1000
)

// stockEntryNamespace derives stock entry IDs from idempotency keys.
var stockEntryNamespace = uuid.MustParse("8f2d7c4e-5a1b-4e8f-9c3d-2b6a1f0e7d54")

// LedgerService is what the HTTP adapter needs from the ledger.
type LedgerService interface {
	Poster
	Canceller
	StockEntry(ctx context.Context, id string) (StockEntryRecord, error)
	RunningBalance(ctx context.Context, q BalanceQuery) (Balance, error)
	History(ctx context.Context, f HistoryFilter) (*HistoryCursor, error)
	Currency() string
}

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger      *slog.Logger
	ledger      LedgerService
	idempotency *shared.IdempotencyStore
	validator   *validator.Validate
}

// NewHandler constructs the handler. idem may be nil to disable key tracking;
// the Idempotency-Key header still derives a stable stock entry ID.
func NewHandler(logger *slog.Logger, ledger LedgerService, idem *shared.IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger, idempotency: idem, validator: validator.New()}
}

// MountRoutes registers stock ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock-entries", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/cancel", h.handleCancel)
	})
	r.Get("/balances", h.handleBalance)
	r.Get("/ledger", h.handleLedger)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: read body: %v", httpx.ErrValidation, err))
		return
	}
	var req CreateStockEntryReq
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, describeValidation(err)))
		return
	}

	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	id := ""
	if key != "" {
		id = uuid.NewSHA1(stockEntryNamespace, []byte(key)).String()
		if _, _, err := h.idempotency.Begin(ctx, idempotencyModule, key, body); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err))
				return
			}
			h.logger.Warn("idempotency store unavailable", slog.Any("error", err))
		}
	}

	se, err := req.toStockEntry(id, h.ledger.Currency())
	if err != nil {
		h.fail(ctx, w, key, err)
		return
	}
	receipt, err := se.Submit(ctx, h.ledger)
	if err != nil {
		h.fail(ctx, w, key, err)
		return
	}
	if key != "" {
		if err := h.idempotency.Complete(ctx, idempotencyModule, key, receipt.StockEntryID); err != nil {
			h.logger.Warn("idempotency complete", slog.Any("error", err))
		}
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, receipt)
}

// fail releases the idempotency key so a corrected request can reuse it.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, key string, err error) {
	if key != "" && !errors.Is(err, ErrAlreadyCancelled) {
		if derr := h.idempotency.Delete(ctx, idempotencyModule, key); derr != nil {
			h.logger.Warn("idempotency release", slog.Any("error", derr))
		}
	}
	h.respond(w, err)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.StockEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockEntryView{StockEntry: rec.Entry, PostedEntryIDs: rec.PostedIDs, CancelEntryIDs: rec.CancelIDs})
}

type stockEntryView struct {
	StockEntry
	PostedEntryIDs []string `json:"posted_entry_ids"`
	CancelEntryIDs []string `json:"cancel_entry_ids,omitempty"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.ledger.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := BalanceQuery{ItemID: q.Get("item_id"), WarehouseID: q.Get("warehouse_id")}
	if query.ItemID == "" || query.WarehouseID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: item_id and warehouse_id are required", httpx.ErrValidation))
		return
	}
	if q.Has("batch_no") {
		batch := q.Get("batch_no")
		query.Batch = &batch
	}
	asOf, err := parseTime(q.Get("as_of"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: as_of: %v", httpx.ErrValidation, err))
		return
	}
	query.AsOf = asOf
	if raw := q.Get("as_of_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: as_of_sequence", httpx.ErrValidation))
			return
		}
		query.AsOfSequence = seq
	}
	balance, err := h.ledger.RunningBalance(r.Context(), query)
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := HistoryFilter{ItemID: q.Get("item_id"), WarehouseID: q.Get("warehouse_id"), PageSize: defaultPageSize}
	if filter.ItemID == "" || filter.WarehouseID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: item_id and warehouse_id are required", httpx.ErrValidation))
		return
	}
	if q.Has("batch_no") {
		batch := q.Get("batch_no")
		filter.Batch = &batch
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: from: %v", httpx.ErrValidation, err))
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: to: %v", httpx.ErrValidation, err))
		return
	}
	if filter.After, err = ParseCursor(q.Get("cursor")); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxPageSize {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be 1..%d", httpx.ErrValidation, maxPageSize))
			return
		}
		filter.PageSize = limit
	}

	ctx := r.Context()
	cur, err := h.ledger.History(ctx, filter)
	if err != nil {
		h.respond(w, err)
		return
	}
	page := LedgerPage{Entries: make([]LedgerEntry, 0, filter.PageSize)}
	for len(page.Entries) < filter.PageSize && cur.Next(ctx) {
		page.Entries = append(page.Entries, cur.Entry())
	}
	if err := cur.Err(); err != nil {
		h.respond(w, err)
		return
	}
	if len(page.Entries) == filter.PageSize {
		page.NextCursor = cur.Cursor().Encode()
	}
	httpx.JSON(w, http.StatusOK, page)
}

// respond maps ledger errors onto problem responses.
func (h *Handler) respond(w http.ResponseWriter, err error) {
	var mapped error
	switch {
	case errors.Is(err, ErrStockEntryNotFound):
		mapped = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidDetailLine), errors.Is(err, ErrEmptyStockEntry),
		errors.Is(err, ErrUnknownItem), errors.Is(err, ErrUnknownWarehouse), errors.Is(err, ErrUnknownBin),
		errors.Is(err, measure.ErrCurrencyMismatch):
		mapped = fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCancellationWouldUnderflow),
		errors.Is(err, ErrValuationDependency), errors.Is(err, ErrNotPosted),
		errors.Is(err, ErrAlreadyCancelled), errors.Is(err, ErrEntryNotDraft):
		mapped = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrConcurrentPostingConflict):
		mapped = fmt.Errorf("%w: %v", httpx.ErrUnavailable, err)
	default:
		h.logger.Error("stock ledger request failed", slog.Any("error", err))
		mapped = err
	}
	httpx.RespondError(w, mapped)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
