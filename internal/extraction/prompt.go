package extraction

import (
	"fmt"
	"strings"

	"github.com/invopipe/invopipe/internal/orders"
)

// BuildSystemPrompt assembles the system message for one extraction call.
// Supplier instructions, when present, override the general rules.
func BuildSystemPrompt(mode Mode, instructions string, defaultVat orders.VatTreatment) string {
	var b strings.Builder

	b.WriteString(`You are an expert data extraction assistant for an accounting team.
Extract the supplier invoice in the attached document into the required JSON format.

RULES:
1. Extract EVERY line item. Never summarize or merge rows.
2. If the same product appears in multiple rows, extract each row separately, even when one row has a zero price.
3. 'vat_treatment' per line and for the document: INCLUDED when prices carry VAT, EXCLUDED when they do not, EXEMPT when the document says so.`)
	if defaultVat != "" {
		fmt.Fprintf(&b, " When the document does not say, default to %s.", defaultVat)
	}
	b.WriteString(`
4. Promotions: when a row states a paid quantity and a bonus (free) quantity, report both 'paid_quantity' and 'bonus_quantity' alongside the full 'quantity'.
5. 'discount_percentage' is the line-level discount; a discount at the bottom that applies to all items is 'global_discount_percentage'; a flat amount subtracted from the document total is 'total_invoice_discount_amount'.
6. 'document_total' is the final payable amount printed on the document.
7. 'document_total_quantity' is the total item count when the document states one.
8. Report anything ambiguous or unreadable in 'warnings' instead of guessing.
`)

	if instructions != "" {
		b.WriteString(`
SUPPLIER-SPECIFIC OVERRIDES (HIGHEST PRIORITY):
The following instructions are specific to this supplier and override any conflicting rule above.

`)
		b.WriteString(instructions)
		b.WriteString("\n")
	}

	if mode == ModeSelfChecked {
		b.WriteString(`
MANDATORY MATH SELF-CHECK:
A previous attempt failed validation of the totals. Before answering:
1. For each line item compute quantity (paid quantity when a bonus is present) times unit price, minus the line discount.
2. Sum the lines, subtract 'total_invoice_discount_amount', apply 'global_discount_percentage'.
3. Compare the result to 'document_total'. If they disagree, re-check quantities, unit prices and discounts before answering.
4. Report the outcome in 'is_math_valid' and explain it in 'math_reasoning'. Do the same for quantities in 'is_qty_valid' and 'qty_reasoning'.
`)
	}

	b.WriteString("\nOutput must strictly follow the provided JSON schema. Return ONLY JSON.")
	return b.String()
}

// BuildUserPrompt assembles the user message text part.
func BuildUserPrompt(doc orders.RawDocument) string {
	var b strings.Builder
	b.WriteString("Extract the invoice from the attached document.")
	if doc.Filename != "" {
		fmt.Fprintf(&b, " Filename: %s.", doc.Filename)
	}
	if doc.Sender != "" {
		fmt.Fprintf(&b, " Received from: %s.", doc.Sender)
	}
	return b.String()
}
