package extraction

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Optional top-level fields we may drop or normalize without losing
// extraction substance. Required fields are never touched.
var optionalFields = []string{
	"invoice_number", "issued_at", "supplier_name", "supplier_code",
	"supplier_global_id", "supplier_email", "supplier_phone",
	"global_discount_percentage", "total_invoice_discount_amount",
	"document_total_quantity", "warnings",
	"is_math_valid", "math_reasoning", "is_qty_valid", "qty_reasoning",
}

var optionalNumeric = map[string]bool{
	"global_discount_percentage":    true,
	"total_invoice_discount_amount": true,
	"document_total_quantity":       true,
}

// SanitizeOptionalFields removes or normalizes optional fields that do not
// meet the stricter schema so the document as a whole can still validate.
// Only optionals are touched; raw extraction values stay as returned.
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var dropped []string

	for _, k := range optionalFields {
		v, ok := m[k]
		if !ok {
			continue
		}
		if v == nil {
			delete(m, k)
			dropped = append(dropped, k)
			continue
		}
		if optionalNumeric[k] {
			if s, isStr := v.(string); isStr {
				// Models occasionally quote numbers.
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					m[k] = f
				} else {
					delete(m, k)
					dropped = append(dropped, k)
				}
			}
		}
	}

	// Currency casing is a formatting slip, not an extraction failure.
	if v, ok := m["currency"].(string); ok {
		m["currency"] = strings.ToUpper(strings.TrimSpace(v))
	}
	if v, ok := m["vat_treatment"].(string); ok {
		m["vat_treatment"] = strings.ToUpper(strings.TrimSpace(v))
	}

	if items, ok := m["line_items"].([]any); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, k := range []string{"product_code", "paid_quantity", "bonus_quantity", "mixed_vat", "final_net_price", "discount_percentage"} {
				if v, present := item[k]; present && v == nil {
					delete(item, k)
				}
			}
			if v, ok := item["vat_treatment"].(string); ok {
				item["vat_treatment"] = strings.ToUpper(strings.TrimSpace(v))
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, dropped, nil
}
