package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/authz"
	mW "github.com/propledger/backend/internal/middleware"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/services"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1_048_576
	maxClientToken    = 128
)

type Mutator interface {
	Append(ctx context.Context, session authz.Session, meta services.MutationMeta, req services.AppendRequest) (services.AppendResponse, error)
}

type Querier interface {
	Balance(ctx context.Context, session authz.Session, correlationID, subjectID string) (services.BalanceResponse, error)
	History(ctx context.Context, session authz.Session, correlationID string, req services.HistoryRequest) (services.HistoryResponse, error)
}

type DeadLetterAdmin interface {
	ListDeadLetters(ctx context.Context, session authz.Session, correlationID string, limit int) ([]models.OutboxRecord, error)
	Requeue(ctx context.Context, session authz.Session, correlationID, recordID string) (models.OutboxRecord, error)
}

type LedgerHandler struct {
	mutations Mutator
	queries   Querier
	outbox    DeadLetterAdmin
	logger    *zap.Logger
}

func NewLedgerHandler(mutations Mutator, queries Querier, outbox DeadLetterAdmin, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{mutations: mutations, queries: queries, outbox: outbox, logger: logger}
}

// Routes mounts the ledger and outbox endpoints. The router must already
// carry the authentication and correlation middleware.
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Post("/ledger/entries", h.AppendEntry)
	r.Get("/ledger/subjects/{subjectId}/balance", h.GetBalance)
	r.Get("/ledger/subjects/{subjectId}/entries", h.ListEntries)
	r.Get("/outbox/dead-letters", h.ListDeadLetters)
	r.Post("/outbox/dead-letters/{recordId}/requeue", h.RequeueDeadLetter)
}

func (h *LedgerHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.WriteHTTP(w, h.logger, mW.CorrelationIDFromContext(r.Context()), err)
}

func (h *LedgerHandler) session(w http.ResponseWriter, r *http.Request) (authz.Session, bool) {
	s, ok := mW.SessionFromContext(r.Context())
	if !ok {
		h.fail(w, r, mW.ErrUnauthenticated)
	}
	return s, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// AppendEntry posts one ledger entry
// @Summary Append ledger entry
// @Description Appends a signed entry to a subject's ledger and enqueues its event in the same transaction
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string true "Client request token"
// @Param request body services.AppendRequest true "Entry"
// @Success 201 {object} services.AppendResponse
// @Success 200 {object} services.AppendResponse "Replay of an earlier request"
// @Failure 400 {object} apperrors.ErrorResponse
// @Failure 403 {object} apperrors.ErrorResponse
// @Failure 409 {object} apperrors.ErrorResponse
// @Failure 422 {object} apperrors.ErrorResponse
// @Failure 503 {object} apperrors.ErrorResponse
// @Router /ledger/entries [post]
func (h *LedgerHandler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	token := r.Header.Get(IdempotencyHeader)
	if token == "" || len(token) > maxClientToken {
		h.fail(w, r, apperrors.Validation(apperrors.CodeInvalidRequest, "Idempotency-Key header is required").
			WithDetail("header", IdempotencyHeader))
		return
	}

	var req services.AppendRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, apperrors.Validation(apperrors.CodeInvalidRequest, "Invalid request body"))
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		h.fail(w, r, apperrors.Validation(apperrors.CodeInvalidRequest, "Request body must only contain a single JSON object"))
		return
	}

	meta := services.MutationMeta{
		CorrelationID: mW.CorrelationIDFromContext(r.Context()),
		ClientToken:   token,
	}
	resp, err := h.mutations.Append(r.Context(), session, meta, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// GetBalance returns a subject's current aggregate
// @Summary Subject balance
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param subjectId path string true "Subject ID"
// @Success 200 {object} services.BalanceResponse
// @Failure 403 {object} apperrors.ErrorResponse
// @Router /ledger/subjects/{subjectId}/balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	resp, err := h.queries.Balance(r.Context(), session, mW.CorrelationIDFromContext(r.Context()), chi.URLParam(r, "subjectId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEntries returns a subject's entry history
// @Summary Subject history
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param subjectId path string true "Subject ID"
// @Param fromDay query string false "First gaming day, YYYY-MM-DD"
// @Param toDay query string false "Last gaming day, YYYY-MM-DD"
// @Param reasonCode query string false "Reason code"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} services.HistoryResponse
// @Failure 400 {object} apperrors.ErrorResponse
// @Router /ledger/subjects/{subjectId}/entries [get]
func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.queries.History(r.Context(), session, mW.CorrelationIDFromContext(r.Context()), services.HistoryRequest{
		SubjectID:  chi.URLParam(r, "subjectId"),
		FromDay:    q.Get("fromDay"),
		ToDay:      q.Get("toDay"),
		ReasonCode: q.Get("reasonCode"),
		Limit:      limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDeadLetters returns the tenant's dead-lettered outbox records
// @Summary List dead letters
// @Tags Outbox
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum records"
// @Success 200 {array} models.OutboxRecord
// @Router /outbox/dead-letters [get]
func (h *LedgerHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	records, err := h.outbox.ListDeadLetters(r.Context(), session, mW.CorrelationIDFromContext(r.Context()), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// RequeueDeadLetter returns a dead letter to the delivery queue
// @Summary Requeue dead letter
// @Tags Outbox
// @Produce json
// @Security BearerAuth
// @Param recordId path string true "Outbox record ID"
// @Success 200 {object} models.OutboxRecord
// @Failure 404 {object} apperrors.ErrorResponse
// @Failure 409 {object} apperrors.ErrorResponse
// @Router /outbox/dead-letters/{recordId}/requeue [post]
func (h *LedgerHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	record, err := h.outbox.Requeue(r.Context(), session, mW.CorrelationIDFromContext(r.Context()), chi.URLParam(r, "recordId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidRequest, "limit must be an integer").WithDetail("limit", s)
	}
	return n, nil
}
