package suppliers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/platform/httpx"
)

// RepositoryPort describes repository operations used by Handler.
type RepositoryPort interface {
	GetByCode(ctx context.Context, code string) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
	Upsert(ctx context.Context, prof Profile) error
}

// Invalidator bumps the profile-store version after writes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Handler exposes the profile management surface. The pipeline itself never
// writes profiles; this is the external editing contract.
type Handler struct {
	logger   *slog.Logger
	repo     RepositoryPort
	resolver Invalidator
	validate *validator.Validate
}

// NewHandler constructs the supplier HTTP handler.
func NewHandler(logger *slog.Logger, repo RepositoryPort, resolver Invalidator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		repo:     repo,
		resolver: resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes attaches supplier routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{code}", h.get)
	r.Post("/", h.upsert)
	r.Put("/{code}", h.upsert)
}

type profilePayload struct {
	Code         string   `json:"code" validate:"required,alphanum"`
	Name         string   `json:"name" validate:"required"`
	Senders      []string `json:"senders" validate:"required,min=1,dive,required"`
	Instructions string   `json:"instructions"`
	DefaultVat   string   `json:"default_vat" validate:"required,oneof=INCLUDED EXCLUDED EXEMPT"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("suppliers.list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	prof, err := h.repo.GetByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("suppliers.get", slog.String("code", code), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, prof)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	var payload profilePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if code := chi.URLParam(r, "code"); code != "" {
		payload.Code = code
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	vat, ok := orders.ParseVatTreatment(payload.DefaultVat)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("unknown vat treatment %q", payload.DefaultVat))
		return
	}

	prof := Profile{
		Code:         payload.Code,
		Name:         payload.Name,
		Senders:      payload.Senders,
		Instructions: payload.Instructions,
		DefaultVat:   vat,
	}
	if err := h.repo.Upsert(r.Context(), prof); err != nil {
		h.logger.Error("suppliers.upsert", slog.String("code", prof.Code), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.resolver.Invalidate(r.Context()); err != nil {
		// Profile row is written; cached copies persist until the next bump.
		h.logger.Warn("suppliers.invalidate", slog.Any("error", err))
	}
	h.logger.Info("suppliers.profile_saved", slog.String("code", prof.Code))
	httpx.JSON(w, http.StatusOK, prof)
}
