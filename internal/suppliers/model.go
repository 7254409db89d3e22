package suppliers

import (
	"time"

	"github.com/invopipe/invopipe/internal/orders"
)

// Profile holds supplier-specific extraction customisation. Profiles are
// edited by the management surface and read-only to the pipeline.
type Profile struct {
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	Senders      []string            `json:"senders"`
	Instructions string              `json:"instructions,omitempty"`
	DefaultVat   orders.VatTreatment `json:"default_vat"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
