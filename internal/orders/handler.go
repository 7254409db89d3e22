package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/invopipe/invopipe/internal/platform/httpx"
	"github.com/invopipe/invopipe/internal/shared"
)

// ProcessEnqueuer hands an accepted order to the background worker.
type ProcessEnqueuer interface {
	EnqueueProcess(ctx context.Context, key uuid.UUID) error
}

// RecordStore is the persistence surface the handler needs.
type RecordStore interface {
	Get(ctx context.Context, key uuid.UUID) (Record, error)
	Ingest(ctx context.Context, rec Record, doc RawDocument) error
	Upsert(ctx context.Context, rec Record) error
	AppendEvent(ctx context.Context, ev Event) error
	List(ctx context.Context, req ListRequest) ([]Record, int, error)
	ListEvents(ctx context.Context, key uuid.UUID) ([]Event, error)
}

// IdempotencyGuard reserves and releases submission keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// DefaultMaxUploadBytes caps ingested documents at 25 MiB.
const DefaultMaxUploadBytes = 25 << 20

const idempotencyModule = "orders.ingest"

// Handler is the ingestion and read surface for order records.
type Handler struct {
	logger    *slog.Logger
	repo      RecordStore
	idem      IdempotencyGuard
	enqueue   ProcessEnqueuer
	validate  *validator.Validate
	maxUpload int64
}

// NewHandler constructs the orders HTTP handler.
func NewHandler(logger *slog.Logger, repo RecordStore, idem IdempotencyGuard, enqueue ProcessEnqueuer, maxUpload int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{
		logger:    logger,
		repo:      repo,
		idem:      idem,
		enqueue:   enqueue,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxUpload: maxUpload,
	}
}

// MountRoutes attaches order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.ingest)
	r.Get("/", h.list)
	r.Get("/{key}", h.get)
	r.Get("/{key}/events", h.events)
	r.Post("/{key}/reprocess", h.reprocess)
	r.Post("/{key}/cancel", h.cancel)
}

type ingestForm struct {
	Sender         string `validate:"required"`
	IdempotencyKey string `validate:"required,min=1,max=255"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "expected multipart form: "+err.Error())
		return
	}

	form := ingestForm{
		Sender:         strings.TrimSpace(r.FormValue("sender")),
		IdempotencyKey: strings.TrimSpace(r.FormValue("idempotency_key")),
	}
	if err := h.validate.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "document file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	kind := MapContentType(contentType)
	if kind == "" {
		httpx.RespondError(w, httpx.ErrUnsupported)
		return
	}
	content, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "read document: "+err.Error())
		return
	}
	if int64(len(content)) > h.maxUpload {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Too Large", "document exceeds the upload limit")
		return
	}

	key := KeyFromIdempotencyKey(form.IdempotencyKey)

	if err := h.idem.CheckAndInsert(ctx, form.IdempotencyKey, idempotencyModule); err != nil {
		if !errors.Is(err, shared.ErrIdempotencyConflict) {
			h.logger.Error("orders.ingest.idempotency", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		rec, getErr := h.repo.Get(ctx, key)
		switch {
		case getErr == nil:
			httpx.JSON(w, http.StatusOK, rec)
			return
		case errors.Is(getErr, ErrNotFound):
			// A previous submission reserved the key but died before the
			// record landed. Free the orphaned key and ingest afresh.
			h.logger.Warn("orders.ingest.orphaned_key", slog.String("idempotency_key", form.IdempotencyKey))
			h.rollbackIngest(ctx, form.IdempotencyKey)
			if err := h.idem.CheckAndInsert(ctx, form.IdempotencyKey, idempotencyModule); err != nil {
				h.logger.Error("orders.ingest.idempotency", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
		default:
			h.logger.Error("orders.ingest.duplicate_lookup", slog.Any("error", getErr))
			httpx.RespondError(w, getErr)
			return
		}
	}

	doc := RawDocument{
		Key:            key,
		IdempotencyKey: form.IdempotencyKey,
		Filename:       header.Filename,
		ContentType:    contentType,
		Kind:           kind,
		Sender:         form.Sender,
		Content:        content,
	}
	rec := Record{
		Key:            key,
		IdempotencyKey: form.IdempotencyKey,
		Sender:         form.Sender,
		Filename:       header.Filename,
		Kind:           kind,
		State:          StateReceived,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	if err := h.repo.Ingest(ctx, rec, doc); err != nil {
		h.rollbackIngest(ctx, form.IdempotencyKey)
		h.logger.Error("orders.ingest.persist", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.enqueue.EnqueueProcess(ctx, key); err != nil {
		// The record stays inspectable in RECEIVED; freeing the key lets
		// the caller retry the same submission.
		h.rollbackIngest(ctx, form.IdempotencyKey)
		h.logger.Error("orders.ingest.enqueue", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "could not schedule processing")
		return
	}

	h.logger.Info("orders.ingested",
		slog.String("key", key.String()),
		slog.String("sender", form.Sender),
		slog.String("kind", string(kind)),
		slog.Int("bytes", len(content)),
	)
	httpx.JSON(w, http.StatusAccepted, rec)
}

func (h *Handler) rollbackIngest(ctx context.Context, idemKey string) {
	if err := h.idem.Delete(ctx, idemKey); err != nil {
		h.logger.Warn("orders.ingest.rollback", slog.Any("error", err))
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListRequest{
		Page:    atoiDefault(q.Get("page"), 1),
		PerPage: atoiDefault(q.Get("per_page"), 20),
	}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			req.States = append(req.States, ProcessingState(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	records, total, err := h.repo.List(r.Context(), req)
	if err != nil {
		h.logger.Error("orders.list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"orders":     records,
		"pagination": shared.NewPagination(req.Page, req.PerPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.urlKey(w, r)
	if !ok {
		return
	}
	rec, err := h.repo.Get(r.Context(), key)
	if err != nil {
		h.respondLookupError(w, key, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	key, ok := h.urlKey(w, r)
	if !ok {
		return
	}
	if _, err := h.repo.Get(r.Context(), key); err != nil {
		h.respondLookupError(w, key, err)
		return
	}
	evs, err := h.repo.ListEvents(r.Context(), key)
	if err != nil {
		h.logger.Error("orders.events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": evs})
}

// reprocess resets a record to RECEIVED and schedules a fresh run. Safe to
// call on terminal records; the document is reused as stored.
func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := h.urlKey(w, r)
	if !ok {
		return
	}
	rec, err := h.repo.Get(ctx, key)
	if err != nil {
		h.respondLookupError(w, key, err)
		return
	}

	from := rec.State
	rec.State = StateReceived
	rec.Attempts = 0
	rec.ModeHistory = nil
	rec.Order = nil
	rec.Reasons = nil
	rec.UpdatedAt = time.Now().UTC()
	if err := h.repo.Upsert(ctx, rec); err != nil {
		h.logger.Error("orders.reprocess.persist", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.repo.AppendEvent(ctx, Event{
		OrderKey: key,
		From:     from,
		To:       StateReceived,
		Detail:   map[string]any{"reprocess": true},
	}); err != nil {
		h.logger.Error("orders.reprocess.event", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.enqueue.EnqueueProcess(ctx, key); err != nil {
		h.logger.Error("orders.reprocess.enqueue", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "could not schedule processing")
		return
	}

	h.logger.Info("orders.reprocess", slog.String("key", key.String()), slog.String("from", string(from)))
	httpx.JSON(w, http.StatusAccepted, rec)
}

// cancel marks a pending record CANCELLED. Terminal records are immutable.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := h.urlKey(w, r)
	if !ok {
		return
	}
	rec, err := h.repo.Get(ctx, key)
	if err != nil {
		h.respondLookupError(w, key, err)
		return
	}
	if rec.State.Terminal() {
		httpx.Problem(w, http.StatusConflict, "Already Terminal",
			"order is already in state "+string(rec.State))
		return
	}

	from := rec.State
	rec.State = StateCancelled
	rec.Reasons = []string{"cancelled by caller"}
	rec.UpdatedAt = time.Now().UTC()
	if err := h.repo.Upsert(ctx, rec); err != nil {
		h.logger.Error("orders.cancel.persist", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.repo.AppendEvent(ctx, Event{
		OrderKey: key,
		From:     from,
		To:       StateCancelled,
		Detail:   map[string]any{"reasons": rec.Reasons},
	}); err != nil {
		h.logger.Error("orders.cancel.event", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	h.logger.Info("orders.cancelled", slog.String("key", key.String()), slog.String("from", string(from)))
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) urlKey(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Key", "order key must be a UUID")
		return uuid.Nil, false
	}
	return key, true
}

func (h *Handler) respondLookupError(w http.ResponseWriter, key uuid.UUID, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.logger.Error("orders.lookup", slog.String("key", key.String()), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
