package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/invopipe/invopipe/internal/extraction"
	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/shared"
	"github.com/invopipe/invopipe/internal/suppliers"
	"github.com/invopipe/invopipe/internal/validation"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]orders.Record
	events  []orders.Event
	failPut bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[uuid.UUID]orders.Record{}}
}

func (s *memoryStore) Get(ctx context.Context, key uuid.UUID) (orders.Record, error) {
	if err := ctx.Err(); err != nil {
		return orders.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return orders.Record{}, orders.ErrNotFound
	}
	return rec, nil
}

// Writes reject cancelled contexts the way a pgx-backed store does.
func (s *memoryStore) Upsert(ctx context.Context, rec orders.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("connection refused")
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, ev orders.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memoryStore) put(rec orders.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
}

func (s *memoryStore) states() []orders.ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.ProcessingState, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.To
	}
	return out
}

type staticResolver struct {
	profile *suppliers.Profile
}

func (r staticResolver) Resolve(context.Context, string) (*suppliers.Profile, error) {
	return r.profile, nil
}

type scriptedGateway struct {
	mu      sync.Mutex
	script  []func(extraction.Request) (orders.ExtractedOrder, error)
	calls   int
	modes   []extraction.Mode
	onError func()
}

func (g *scriptedGateway) Extract(_ context.Context, req extraction.Request) (orders.ExtractedOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls >= len(g.script) {
		return orders.ExtractedOrder{}, errors.New("unexpected extra gateway call")
	}
	step := g.script[g.calls]
	g.calls++
	g.modes = append(g.modes, req.Mode)
	out, err := step(req)
	if err != nil && g.onError != nil {
		g.onError()
	}
	return out, err
}

func succeed(order orders.ExtractedOrder) func(extraction.Request) (orders.ExtractedOrder, error) {
	return func(extraction.Request) (orders.ExtractedOrder, error) { return order, nil }
}

func fail(err error) func(extraction.Request) (orders.ExtractedOrder, error) {
	return func(extraction.Request) (orders.ExtractedOrder, error) { return orders.ExtractedOrder{}, err }
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func consistentOrder() orders.ExtractedOrder {
	return orders.ExtractedOrder{
		InvoiceNumber: "INV-1",
		Currency:      "ILS",
		Vat:           orders.VatExcluded,
		DocumentTotal: d("50.00"),
		LineItems: []orders.LineItem{
			{
				Description:   "Widget",
				Quantity:      d("5"),
				RawUnitPrice:  d("10.00"),
				Vat:           orders.VatExcluded,
				FinalNetPrice: d("50.00"),
			},
		},
	}
}

func inconsistentOrder() orders.ExtractedOrder {
	o := consistentOrder()
	o.DocumentTotal = d("45.00")
	return o
}

func testDoc() orders.RawDocument {
	return orders.RawDocument{
		Key:            orders.KeyFromIdempotencyKey("msg-7/invoice.pdf"),
		IdempotencyKey: "msg-7/invoice.pdf",
		Filename:       "invoice.pdf",
		ContentType:    "application/pdf",
		Kind:           orders.KindPDF,
		Sender:         "billing@acme.example",
	}
}

func newProcessor(store *memoryStore, gw *scriptedGateway, resolver ProfileResolver) *Processor {
	if resolver == nil {
		resolver = staticResolver{}
	}
	return NewProcessor(nil, resolver, gw, validation.NewEngine(nil), store, nil, Config{MaxAttempts: 3})
}

func TestProcessEscalatesAfterMalformedResponse(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		fail(extraction.ErrMalformedResponse),
		succeed(consistentOrder()),
	}}

	rec, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, orders.StateCompleted, rec.State)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, []string{"STANDARD", "SELF_CHECKED"}, rec.ModeHistory)
	require.NotNil(t, rec.Order)
	require.Equal(t, "INV-1", rec.Order.InvoiceNumber)

	stored := store.records[rec.Key]
	require.Equal(t, orders.StateCompleted, stored.State)
}

func TestProcessFailsAfterMaxGatewayFailures(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		fail(extraction.ErrTimeout),
		fail(extraction.ErrQuota),
		fail(extraction.ErrTimeout),
	}}

	rec, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, orders.StateFailed, rec.State)
	require.Equal(t, 3, rec.Attempts)
	require.Nil(t, rec.Order)
	require.NotEmpty(t, rec.Reasons)
	require.Contains(t, rec.Reasons[0], "timed out")
}

func TestProcessRejectedAtMaxNeedsReview(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		succeed(inconsistentOrder()),
		succeed(inconsistentOrder()),
		succeed(inconsistentOrder()),
	}}

	rec, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, orders.StateNeedsReview, rec.State)
	require.Equal(t, 3, rec.Attempts)
	// Best-effort candidate survives for human review.
	require.NotNil(t, rec.Order)
	require.NotEmpty(t, rec.Reasons)
	require.Contains(t, rec.Reasons[0], "45.00")
}

func TestProcessMonotonicEscalation(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		fail(extraction.ErrTimeout),
		succeed(inconsistentOrder()),
		succeed(inconsistentOrder()),
	}}

	rec, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.LessOrEqual(t, rec.Attempts, 3)

	sawSelfChecked := false
	for _, m := range gw.modes {
		if sawSelfChecked {
			require.Equal(t, extraction.ModeSelfChecked, m)
		}
		if m == extraction.ModeSelfChecked {
			sawSelfChecked = true
		}
	}
	require.True(t, sawSelfChecked)
}

func TestProcessIdempotentRerun(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		succeed(consistentOrder()),
	}}
	p := newProcessor(store, gw, nil)

	first, err := p.Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, orders.StateCompleted, first.State)

	// Terminal records short-circuit; the gateway is not called again.
	second, err := p.Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, first.State, second.State)
	require.Equal(t, first.Attempts, second.Attempts)
	require.Equal(t, 1, gw.calls)
}

func TestProcessCancellationBetweenAttempts(t *testing.T) {
	store := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	gw := &scriptedGateway{
		script: []func(extraction.Request) (orders.ExtractedOrder, error){
			fail(extraction.ErrTimeout),
		},
		onError: cancel,
	}

	rec, err := newProcessor(store, gw, nil).Process(ctx, testDoc())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, orders.StateCancelled, rec.State)
	// The marker survives even though the store rejects cancelled contexts.
	require.Equal(t, orders.StateCancelled, store.records[rec.Key].State)
	require.Equal(t, 1, gw.calls)
}

func TestProcessStopsWhenRecordCancelledExternally(t *testing.T) {
	store := newMemoryStore()
	doc := testDoc()
	gw := &scriptedGateway{
		script: []func(extraction.Request) (orders.ExtractedOrder, error){
			fail(extraction.ErrTimeout),
		},
		// A cancel request lands while the run is mid-flight. The stored
		// marker must win over the processor's in-memory copy.
		onError: func() {
			store.put(orders.Record{
				Key:     doc.Key,
				State:   orders.StateCancelled,
				Reasons: []string{"cancelled by caller"},
			})
		},
	}

	rec, err := newProcessor(store, gw, nil).Process(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, orders.StateCancelled, rec.State)
	require.Equal(t, []string{"cancelled by caller"}, rec.Reasons)
	require.Equal(t, orders.StateCancelled, store.records[doc.Key].State)
	require.Equal(t, 1, gw.calls)
}

func TestProcessPersistenceFailureSurfaces(t *testing.T) {
	store := newMemoryStore()
	store.failPut = true
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		succeed(consistentOrder()),
	}}

	_, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.ErrorIs(t, err, shared.ErrPersistence)
	require.Equal(t, 0, gw.calls)
}

func TestProcessPersistsEveryTransition(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		succeed(consistentOrder()),
	}}

	_, err := newProcessor(store, gw, nil).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, []orders.ProcessingState{
		orders.StateReceived,
		orders.StateExtracting,
		orders.StateValidating,
		orders.StateCompleted,
	}, store.states())
}

func TestProcessUsesSupplierInstructions(t *testing.T) {
	store := newMemoryStore()
	var gotInstructions string
	var gotVat orders.VatTreatment
	gw := &scriptedGateway{script: []func(extraction.Request) (orders.ExtractedOrder, error){
		func(req extraction.Request) (orders.ExtractedOrder, error) {
			gotInstructions = req.Instructions
			gotVat = req.DefaultVat
			return consistentOrder(), nil
		},
	}}
	resolver := staticResolver{profile: &suppliers.Profile{
		Code:         "ACME1",
		Instructions: "prices in the rightmost column",
		DefaultVat:   orders.VatIncluded,
	}}

	rec, err := newProcessor(store, gw, resolver).Process(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, "ACME1", rec.SupplierCode)
	require.Equal(t, "prices in the rightmost column", gotInstructions)
	require.Equal(t, orders.VatIncluded, gotVat)
}
