package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VatTreatment describes how VAT relates to a price.
type VatTreatment string

const (
	VatIncluded VatTreatment = "INCLUDED"
	VatExcluded VatTreatment = "EXCLUDED"
	VatExempt   VatTreatment = "EXEMPT"
)

// ParseVatTreatment normalises free-form VAT labels.
func ParseVatTreatment(raw string) (VatTreatment, bool) {
	switch VatTreatment(strings.ToUpper(strings.TrimSpace(raw))) {
	case VatIncluded:
		return VatIncluded, true
	case VatExcluded:
		return VatExcluded, true
	case VatExempt:
		return VatExempt, true
	}
	return "", false
}

// MIMEKind is the declared document family, not the exact content type.
type MIMEKind string

const (
	KindPDF         MIMEKind = "pdf"
	KindImage       MIMEKind = "image"
	KindSpreadsheet MIMEKind = "spreadsheet"
)

// MapContentType resolves an HTTP content type to a MIMEKind.
// Returns "" for unsupported types.
func MapContentType(contentType string) MIMEKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case ct == "application/pdf":
		return KindPDF
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case ct == "application/vnd.ms-excel",
		ct == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		ct == "text/csv":
		return KindSpreadsheet
	}
	return ""
}

// RawDocument is the immutable pipeline input.
type RawDocument struct {
	Key            uuid.UUID
	IdempotencyKey string
	Filename       string
	ContentType    string
	Kind           MIMEKind
	Sender         string
	Content        []byte
}

// LineItem is a single invoice line as extracted from the document.
// Quantity, RawUnitPrice and DiscountPct are raw inputs read off the paper;
// FinalNetPrice is the model's derived output and the only field the
// validation engine may rewrite.
type LineItem struct {
	ProductCode   string           `json:"product_code,omitempty"`
	Description   string           `json:"description"`
	Quantity      decimal.Decimal  `json:"quantity"`
	RawUnitPrice  decimal.Decimal  `json:"raw_unit_price"`
	Vat           VatTreatment     `json:"vat_treatment"`
	MixedVat      bool             `json:"mixed_vat,omitempty"`
	DiscountPct   decimal.Decimal  `json:"discount_percentage"`
	PaidQuantity  *decimal.Decimal `json:"paid_quantity,omitempty"`
	BonusQuantity *decimal.Decimal `json:"bonus_quantity,omitempty"`
	FinalNetPrice decimal.Decimal  `json:"final_net_price"`
}

// HasPromotion reports whether the line carries a paid/bonus quantity pair.
func (li LineItem) HasPromotion() bool {
	return li.PaidQuantity != nil && li.BonusQuantity != nil
}

// EffectiveQuantity is the quantity that money was paid for: the paid
// quantity when a promotion pair is present, the plain quantity otherwise.
func (li LineItem) EffectiveQuantity() decimal.Decimal {
	if li.HasPromotion() {
		return *li.PaidQuantity
	}
	return li.Quantity
}

// ExtractedOrder is one candidate order produced by the extraction gateway.
type ExtractedOrder struct {
	InvoiceNumber        string           `json:"invoice_number,omitempty"`
	IssuedAt             string           `json:"issued_at,omitempty"` // YYYY-MM-DD
	Currency             string           `json:"currency"`
	SupplierName         string           `json:"supplier_name,omitempty"`
	SupplierCode         string           `json:"supplier_code,omitempty"`
	SupplierGlobalID     string           `json:"supplier_global_id,omitempty"`
	SupplierEmail        string           `json:"supplier_email,omitempty"`
	SupplierPhone        string           `json:"supplier_phone,omitempty"`
	GlobalDiscountPct    *decimal.Decimal `json:"global_discount_percentage,omitempty"`
	TotalInvoiceDiscount decimal.Decimal  `json:"total_invoice_discount_amount"`
	DocumentTotal        decimal.Decimal  `json:"document_total"`
	DocumentTotalQty     *decimal.Decimal `json:"document_total_quantity,omitempty"`
	Vat                  VatTreatment     `json:"vat_treatment"`
	LineItems            []LineItem       `json:"line_items"`
	Warnings             []string         `json:"warnings,omitempty"`

	// Self-check echo from SELF_CHECKED extraction runs. Confidence signal
	// only; acceptance is decided by the validation engine.
	MathValid     *bool  `json:"is_math_valid,omitempty"`
	MathReasoning string `json:"math_reasoning,omitempty"`
	QtyValid      *bool  `json:"is_qty_valid,omitempty"`
	QtyReasoning  string `json:"qty_reasoning,omitempty"`
}

// ProcessingState tracks an order through the pipeline.
type ProcessingState string

const (
	StateReceived    ProcessingState = "RECEIVED"
	StateExtracting  ProcessingState = "EXTRACTING"
	StateValidating  ProcessingState = "VALIDATING"
	StateNeedsReview ProcessingState = "NEEDS_REVIEW"
	StateCompleted   ProcessingState = "COMPLETED"
	StateFailed      ProcessingState = "FAILED"
	StateCancelled   ProcessingState = "CANCELLED"
)

var transitions = map[ProcessingState][]ProcessingState{
	StateReceived:   {StateExtracting, StateCancelled},
	StateExtracting: {StateValidating, StateExtracting, StateFailed, StateCancelled},
	StateValidating: {StateCompleted, StateExtracting, StateNeedsReview, StateCancelled},
}

// Terminal reports whether no further automated transition occurs.
func (s ProcessingState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateNeedsReview, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving to the target state is allowed.
func (s ProcessingState) CanTransition(to ProcessingState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the persisted view of one order's processing run.
type Record struct {
	Key            uuid.UUID       `json:"key"`
	IdempotencyKey string          `json:"idempotency_key"`
	Sender         string          `json:"sender"`
	Filename       string          `json:"filename"`
	Kind           MIMEKind        `json:"mime_kind"`
	SupplierCode   string          `json:"supplier_code,omitempty"`
	State          ProcessingState `json:"state"`
	Attempts       int             `json:"attempts"`
	ModeHistory    []string        `json:"mode_history,omitempty"`
	Order          *ExtractedOrder `json:"order,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event is one append-only state transition fact.
type Event struct {
	ID         int64           `json:"id"`
	OrderKey   uuid.UUID       `json:"order_key"`
	From       ProcessingState `json:"from_state,omitempty"`
	To         ProcessingState `json:"to_state"`
	Attempt    int             `json:"attempt"`
	Mode       string          `json:"mode,omitempty"`
	Detail     map[string]any  `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// keyNamespace anchors deterministic order keys; reprocessing the same
// idempotency key always lands on the same record.
var keyNamespace = uuid.MustParse("8f3a1d44-9c0b-4a6e-9a71-2f5e7b6d1c02")

// KeyFromIdempotencyKey derives the stable order key for a caller key.
func KeyFromIdempotencyKey(idem string) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(idem))
}
