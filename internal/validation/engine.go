// Package validation recomputes every derived monetary field of an extracted
// order from its raw inputs and decides acceptance. It is the sole arbiter:
// the model's own self-check is treated as a confidence signal only.
package validation

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/invopipe/invopipe/internal/orders"
)

// Status classifies a verdict.
type Status string

const (
	StatusValid     Status = "VALID"
	StatusCorrected Status = "CORRECTED"
	StatusRejected  Status = "REJECTED"
)

// Correction records one rewritten derived field. Raw extracted inputs are
// ground truth from the document and are never rewritten.
type Correction struct {
	Field  string          `json:"field"`
	Old    decimal.Decimal `json:"old"`
	New    decimal.Decimal `json:"new"`
	Reason string          `json:"reason"`
}

// Verdict is the outcome of validating one extracted order.
// Order carries the corrected copy for StatusCorrected and the unchanged
// input otherwise. Reasons is populated only for StatusRejected.
type Verdict struct {
	Status      Status
	Order       orders.ExtractedOrder
	Corrections []Correction
	Reasons     []string
	Warnings    []string
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Engine checks arithmetic and consistency of extracted orders.
type Engine struct {
	logger *slog.Logger
	// unit is the smallest currency unit; the total tolerance is
	// unit multiplied by the line count, absorbing per-line rounding.
	unit decimal.Decimal
}

// NewEngine constructs a validation engine with a tolerance unit of 0.01.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, unit: decimal.New(1, -2)}
}

// Tolerance returns the allowed delta between recomputed and declared totals
// for an order with the given line count.
func (e *Engine) Tolerance(lineCount int) decimal.Decimal {
	if lineCount < 1 {
		lineCount = 1
	}
	return e.unit.Mul(decimal.NewFromInt(int64(lineCount)))
}

// Validate scores one extracted order.
func (e *Engine) Validate(order orders.ExtractedOrder) Verdict {
	var warnings []string
	if order.InvoiceNumber == "" {
		warnings = append(warnings, "invoice number missing from document")
	}
	if order.MathValid != nil && !*order.MathValid {
		warnings = append(warnings, "model self-check reported an arithmetic mismatch: "+order.MathReasoning)
	}

	if reasons := e.structuralReasons(order); len(reasons) > 0 {
		return Verdict{Status: StatusRejected, Order: order, Reasons: reasons, Warnings: warnings}
	}

	corrected := order
	corrected.LineItems = make([]orders.LineItem, len(order.LineItems))
	copy(corrected.LineItems, order.LineItems)

	var corrections []Correction
	sum := decimal.Zero
	for i, li := range order.LineItems {
		expected := lineNetPrice(li)
		sum = sum.Add(expected)
		if li.FinalNetPrice.Sub(expected).Abs().GreaterThan(e.unit) {
			corrections = append(corrections, Correction{
				Field: fmt.Sprintf("line_items[%d].final_net_price", i),
				Old:   li.FinalNetPrice,
				New:   expected,
				Reason: fmt.Sprintf("recomputed from raw_unit_price=%s, effective_quantity=%s, discount=%s%%",
					li.RawUnitPrice, li.EffectiveQuantity(), li.DiscountPct),
			})
			corrected.LineItems[i].FinalNetPrice = expected
		}
	}

	computed := sum.Sub(order.TotalInvoiceDiscount)
	if order.GlobalDiscountPct != nil {
		computed = computed.Mul(one.Sub(order.GlobalDiscountPct.Div(hundred)))
	}

	tol := e.Tolerance(len(order.LineItems))
	diff := computed.Sub(order.DocumentTotal)
	if diff.Abs().GreaterThan(tol) {
		reasons := []string{fmt.Sprintf(
			"declared total %s differs from recomputed total %s by %s (tolerance %s)",
			order.DocumentTotal.StringFixed(2), computed.StringFixed(2), diff.Abs().StringFixed(2), tol,
		)}
		for _, c := range corrections {
			reasons = append(reasons, fmt.Sprintf("%s reported as %s, recomputed as %s", c.Field, c.Old, c.New))
		}
		return Verdict{Status: StatusRejected, Order: order, Reasons: reasons, Warnings: warnings}
	}

	if qtyWarn := e.quantityWarning(order); qtyWarn != "" {
		warnings = append(warnings, qtyWarn)
	}

	if len(corrections) == 0 {
		return Verdict{Status: StatusValid, Order: order, Warnings: warnings}
	}

	e.logger.Info("validation.corrected",
		"invoice_number", order.InvoiceNumber,
		"corrections", len(corrections),
	)
	return Verdict{Status: StatusCorrected, Order: corrected, Corrections: corrections, Warnings: warnings}
}

// structuralReasons enumerates input-shape violations. These reject the
// document outright: the raw inputs cannot be trusted enough to recompute.
func (e *Engine) structuralReasons(order orders.ExtractedOrder) []string {
	var reasons []string

	if _, err := currency.ParseISO(order.Currency); err != nil {
		reasons = append(reasons, fmt.Sprintf("unknown currency code %q", order.Currency))
	}
	if len(order.LineItems) == 0 {
		reasons = append(reasons, "order has no line items")
	}
	if order.GlobalDiscountPct != nil && !percentInRange(*order.GlobalDiscountPct) {
		reasons = append(reasons, fmt.Sprintf("global discount percentage %s outside [0, 100]", order.GlobalDiscountPct))
	}
	if order.TotalInvoiceDiscount.IsNegative() {
		reasons = append(reasons, fmt.Sprintf("total invoice discount amount %s is negative", order.TotalInvoiceDiscount))
	}

	for i, li := range order.LineItems {
		at := fmt.Sprintf("line_items[%d]", i)
		if li.Description == "" {
			reasons = append(reasons, at+": empty description")
		}
		if !li.Quantity.IsPositive() {
			reasons = append(reasons, fmt.Sprintf("%s: quantity %s is not positive", at, li.Quantity))
		}
		if li.RawUnitPrice.IsNegative() {
			reasons = append(reasons, fmt.Sprintf("%s: raw unit price %s is negative", at, li.RawUnitPrice))
		}
		if !percentInRange(li.DiscountPct) {
			reasons = append(reasons, fmt.Sprintf("%s: discount percentage %s outside [0, 100]", at, li.DiscountPct))
		}
		if li.BonusQuantity != nil && li.PaidQuantity == nil {
			reasons = append(reasons, at+": bonus quantity without paid quantity")
		}
		if li.PaidQuantity != nil && li.PaidQuantity.GreaterThan(li.Quantity) {
			reasons = append(reasons, fmt.Sprintf("%s: paid quantity %s exceeds quantity %s", at, li.PaidQuantity, li.Quantity))
		}
		if li.Vat != order.Vat && !li.MixedVat {
			reasons = append(reasons, fmt.Sprintf("%s: VAT treatment %s conflicts with order-level %s and carries no mixed-VAT marker", at, li.Vat, order.Vat))
		}
	}
	return reasons
}

// quantityWarning cross-checks the stated document quantity. Quantity totals
// on paper often count packages rather than units, so a mismatch is advisory.
func (e *Engine) quantityWarning(order orders.ExtractedOrder) string {
	if order.DocumentTotalQty == nil {
		return ""
	}
	sum := decimal.Zero
	for _, li := range order.LineItems {
		sum = sum.Add(li.Quantity)
	}
	if sum.Equal(*order.DocumentTotalQty) {
		return ""
	}
	return fmt.Sprintf("document states total quantity %s but line items sum to %s",
		order.DocumentTotalQty, sum)
}

func lineNetPrice(li orders.LineItem) decimal.Decimal {
	return li.RawUnitPrice.
		Mul(li.EffectiveQuantity()).
		Mul(one.Sub(li.DiscountPct.Div(hundred))).
		Round(2)
}

func percentInRange(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}
