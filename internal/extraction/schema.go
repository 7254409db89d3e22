package extraction

// BuildOrderJSONSchema returns the JSON-Schema (draft 2020-12 subset) the
// model response must satisfy. Passed to the inference endpoint as a
// structured-output constraint and used locally for strict validation.
func BuildOrderJSONSchema(mode Mode) map[string]any {
	lineItem := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"product_code":        map[string]any{"type": "string"},
			"description":         map[string]any{"type": "string", "minLength": 1},
			"quantity":            numberProp(),
			"raw_unit_price":      nonNegativeNumberProp(),
			"vat_treatment":       vatProp(),
			"mixed_vat":           map[string]any{"type": "boolean"},
			"discount_percentage": map[string]any{"type": "number", "minimum": 0.0, "maximum": 100.0},
			"paid_quantity":       nonNegativeNumberProp(),
			"bonus_quantity":      nonNegativeNumberProp(),
			"final_net_price":     nonNegativeNumberProp(),
		},
		"required": []string{"description", "quantity", "raw_unit_price", "vat_treatment"},
	}

	props := map[string]any{
		"invoice_number":                map[string]any{"type": "string"},
		"issued_at":                     map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"currency":                      map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
		"supplier_name":                 map[string]any{"type": "string"},
		"supplier_code":                 map[string]any{"type": "string"},
		"supplier_global_id":            map[string]any{"type": "string"},
		"supplier_email":                map[string]any{"type": "string"},
		"supplier_phone":                map[string]any{"type": "string"},
		"global_discount_percentage":    map[string]any{"type": "number", "minimum": 0.0, "maximum": 100.0},
		"total_invoice_discount_amount": nonNegativeNumberProp(),
		"document_total":                numberProp(),
		"document_total_quantity":       nonNegativeNumberProp(),
		"vat_treatment":                 vatProp(),
		"line_items": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items":    lineItem,
		},
		"warnings": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	}
	required := []string{"currency", "vat_treatment", "document_total", "line_items"}

	if mode == ModeSelfChecked {
		props["is_math_valid"] = map[string]any{"type": "boolean"}
		props["math_reasoning"] = map[string]any{"type": "string"}
		props["is_qty_valid"] = map[string]any{"type": "boolean"}
		props["qty_reasoning"] = map[string]any{"type": "string"}
		required = append(required, "is_math_valid")
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

func numberProp() map[string]any {
	return map[string]any{"type": "number"}
}

func nonNegativeNumberProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0}
}

func vatProp() map[string]any {
	return map[string]any{"type": "string", "enum": []string{"INCLUDED", "EXCLUDED", "EXEMPT"}}
}
