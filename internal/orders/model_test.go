package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMapContentType(t *testing.T) {
	cases := map[string]MIMEKind{
		"application/pdf":          KindPDF,
		"application/pdf; q=0.9":   KindPDF,
		"image/png":                KindImage,
		"image/jpeg":               KindImage,
		"text/csv":                 KindSpreadsheet,
		"application/vnd.ms-excel": KindSpreadsheet,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": KindSpreadsheet,
		"text/html":        "",
		"application/json": "",
		"":                 "",
	}
	for ct, want := range cases {
		require.Equal(t, want, MapContentType(ct), "content type %q", ct)
	}
}

func TestParseVatTreatment(t *testing.T) {
	v, ok := ParseVatTreatment(" included ")
	require.True(t, ok)
	require.Equal(t, VatIncluded, v)

	_, ok = ParseVatTreatment("ZERO")
	require.False(t, ok)
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateReceived.CanTransition(StateExtracting))
	require.True(t, StateExtracting.CanTransition(StateExtracting))
	require.True(t, StateExtracting.CanTransition(StateFailed))
	require.True(t, StateValidating.CanTransition(StateCompleted))
	require.True(t, StateValidating.CanTransition(StateNeedsReview))
	require.True(t, StateValidating.CanTransition(StateExtracting))

	require.False(t, StateReceived.CanTransition(StateCompleted))
	require.False(t, StateCompleted.CanTransition(StateExtracting))
	require.False(t, StateFailed.CanTransition(StateReceived))

	for _, s := range []ProcessingState{StateCompleted, StateFailed, StateNeedsReview, StateCancelled} {
		require.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range []ProcessingState{StateReceived, StateExtracting, StateValidating} {
		require.False(t, s.Terminal(), "state %s", s)
	}
}

func TestKeyFromIdempotencyKeyIsStable(t *testing.T) {
	a := KeyFromIdempotencyKey("msg-1/invoice.pdf")
	b := KeyFromIdempotencyKey("msg-1/invoice.pdf")
	c := KeyFromIdempotencyKey("msg-2/invoice.pdf")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestEffectiveQuantity(t *testing.T) {
	qty := decimal.NewFromInt(10)
	paid := decimal.NewFromInt(8)
	bonus := decimal.NewFromInt(2)

	li := LineItem{Quantity: qty}
	require.True(t, li.EffectiveQuantity().Equal(qty))
	require.False(t, li.HasPromotion())

	li.PaidQuantity = &paid
	li.BonusQuantity = &bonus
	require.True(t, li.HasPromotion())
	require.True(t, li.EffectiveQuantity().Equal(paid))
}
