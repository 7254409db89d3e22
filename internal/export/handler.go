package export

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/platform/httpx"
)

// Handler serves workbook downloads.
type Handler struct {
	logger *slog.Logger
	svc    *Service
}

// NewHandler constructs the export HTTP handler.
func NewHandler(logger *slog.Logger, svc *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// MountRoutes attaches export routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders.xlsx", h.download)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	var states []orders.ProcessingState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, orders.ProcessingState(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	data, err := h.svc.WorkbookXLSX(r.Context(), states)
	if err != nil {
		h.logger.Error("export.download", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	filename := fmt.Sprintf("orders-%s.xlsx", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
