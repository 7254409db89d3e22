package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/invopipe/invopipe/internal/orders"
)

func chatResponse(t *testing.T, content any) []byte {
	t.Helper()
	b, err := json.Marshal(content)
	require.NoError(t, err)
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(b)}},
		},
	}
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return out
}

func validOrderJSON() map[string]any {
	return map[string]any{
		"invoice_number": "INV-100",
		"currency":       "ILS",
		"vat_treatment":  "EXCLUDED",
		"document_total": 50.0,
		"line_items": []map[string]any{
			{
				"description":         "Widget",
				"quantity":            5.0,
				"raw_unit_price":      10.0,
				"vat_treatment":       "EXCLUDED",
				"discount_percentage": 0.0,
				"final_net_price":     50.0,
			},
		},
	}
}

func testDocument() orders.RawDocument {
	return orders.RawDocument{
		Key:         orders.KeyFromIdempotencyKey("msg-1/invoice.pdf"),
		Filename:    "invoice.pdf",
		ContentType: "application/pdf",
		Kind:        orders.KindPDF,
		Sender:      "billing@acme.example",
		Content:     []byte("%PDF-1.4 fake"),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		Model:           "test-model",
		EscalationModel: "test-model-xl",
		LenientOptional: true,
		Timeout:         5 * time.Second,
	}, nil)
	return c, srv
}

func TestExtractStandard(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write(chatResponse(t, validOrderJSON()))
	})

	out, err := c.Extract(context.Background(), Request{
		Document:   testDocument(),
		DefaultVat: orders.VatExcluded,
		Mode:       ModeStandard,
	})
	require.NoError(t, err)
	require.Equal(t, "INV-100", out.InvoiceNumber)
	require.Equal(t, "ILS", out.Currency)
	require.Len(t, out.LineItems, 1)
	require.True(t, out.LineItems[0].Quantity.Equal(decimal.NewFromInt(5)))
	require.True(t, out.DocumentTotal.Equal(decimal.NewFromInt(50)))
	require.Nil(t, out.MathValid)

	require.Equal(t, "test-model", gotBody["model"])
}

func TestExtractSelfCheckedUsesEscalationModel(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		order := validOrderJSON()
		order["is_math_valid"] = true
		order["math_reasoning"] = "5 x 10.00 = 50.00 matches the document total"
		_, _ = w.Write(chatResponse(t, order))
	})

	out, err := c.Extract(context.Background(), Request{
		Document: testDocument(),
		Mode:     ModeSelfChecked,
	})
	require.NoError(t, err)
	require.NotNil(t, out.MathValid)
	require.True(t, *out.MathValid)
	require.Equal(t, "test-model-xl", gotBody["model"])
}

func TestExtractSelfCheckedRequiresSelfCheckFields(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Missing is_math_valid despite the SELF_CHECKED schema.
		_, _ = w.Write(chatResponse(t, validOrderJSON()))
	})

	_, err := c.Extract(context.Background(), Request{
		Document: testDocument(),
		Mode:     ModeSelfChecked,
	})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestExtractQuota(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := c.Extract(context.Background(), Request{Document: testDocument(), Mode: ModeStandard})
	require.ErrorIs(t, err, ErrQuota)
}

func TestExtractMalformedContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "sorry, I could not read the document"}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	_, err := c.Extract(context.Background(), Request{Document: testDocument(), Mode: ModeStandard})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestExtractTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write(chatResponse(t, validOrderJSON()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Extract(ctx, Request{Document: testDocument(), Mode: ModeStandard})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExtractLenientSanitize(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		order := validOrderJSON()
		order["invoice_number"] = nil
		order["global_discount_percentage"] = "10"
		order["currency"] = " ils "
		_, _ = w.Write(chatResponse(t, order))
	})

	out, err := c.Extract(context.Background(), Request{Document: testDocument(), Mode: ModeStandard})
	require.NoError(t, err)
	require.Empty(t, out.InvoiceNumber)
	require.Equal(t, "ILS", out.Currency)
	require.NotNil(t, out.GlobalDiscountPct)
	require.True(t, out.GlobalDiscountPct.Equal(decimal.NewFromInt(10)))
}
