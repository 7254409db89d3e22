package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/invopipe/invopipe/internal/shared"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	docs    map[uuid.UUID]RawDocument
	events  []Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[uuid.UUID]Record{},
		docs:    map[uuid.UUID]RawDocument{},
	}
}

func (s *fakeStore) Get(_ context.Context, key uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Ingest(_ context.Context, rec Record, doc RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	s.docs[doc.Key] = doc
	s.events = append(s.events, Event{OrderKey: rec.Key, To: rec.State})
	return nil
}

func (s *fakeStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

func (s *fakeStore) AppendEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) List(_ context.Context, _ ListRequest) ([]Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (s *fakeStore) ListEvents(_ context.Context, key uuid.UUID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.OrderKey == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeIdem struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{keys: map[string]bool{}}
}

func (f *fakeIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdem) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	keys []uuid.UUID
}

func (q *fakeQueue) EnqueueProcess(_ context.Context, key uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
	return nil
}

func newTestHandler(store *fakeStore, idem *fakeIdem, queue *fakeQueue) http.Handler {
	h := NewHandler(nil, store, idem, queue, 0)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func ingestRequest(t *testing.T, sender, idemKey, contentType string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("sender", sender))
	require.NoError(t, mw.WriteField("idempotency_key", idemKey))
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename=%q`, "invoice.pdf"))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 test"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIngestAccepted(t *testing.T) {
	store := newFakeStore()
	idem := newFakeIdem()
	queue := &fakeQueue{}
	srv := newTestHandler(store, idem, queue)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, ingestRequest(t, "billing@acme.example", "msg-1/invoice.pdf", "application/pdf"))

	require.Equal(t, http.StatusAccepted, rr.Code)
	var rec Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, StateReceived, rec.State)
	require.Equal(t, KeyFromIdempotencyKey("msg-1/invoice.pdf"), rec.Key)
	require.Equal(t, []uuid.UUID{rec.Key}, queue.keys)
	require.Contains(t, store.records, rec.Key)
	require.Contains(t, store.docs, rec.Key)
}

func TestIngestDuplicateReturnsExisting(t *testing.T) {
	store := newFakeStore()
	idem := newFakeIdem()
	queue := &fakeQueue{}
	srv := newTestHandler(store, idem, queue)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, ingestRequest(t, "billing@acme.example", "msg-1/invoice.pdf", "application/pdf"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, ingestRequest(t, "billing@acme.example", "msg-1/invoice.pdf", "application/pdf"))
	require.Equal(t, http.StatusOK, rr.Code)

	var rec Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, KeyFromIdempotencyKey("msg-1/invoice.pdf"), rec.Key)
	// The duplicate was not re-ingested or re-enqueued.
	require.Len(t, queue.keys, 1)
	require.Len(t, store.docs, 1)
}

func TestIngestRecoversOrphanedKey(t *testing.T) {
	store := newFakeStore()
	idem := newFakeIdem()
	queue := &fakeQueue{}
	srv := newTestHandler(store, idem, queue)

	// A previous submission reserved the key but never wrote the record.
	require.NoError(t, idem.CheckAndInsert(context.Background(), "msg-1/invoice.pdf", idempotencyModule))

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, ingestRequest(t, "billing@acme.example", "msg-1/invoice.pdf", "application/pdf"))

	require.Equal(t, http.StatusAccepted, rr.Code)
	key := KeyFromIdempotencyKey("msg-1/invoice.pdf")
	require.Contains(t, store.records, key)
	require.Equal(t, []uuid.UUID{key}, queue.keys)
	// The key stays reserved for the submission that succeeded.
	require.True(t, idem.keys["msg-1/invoice.pdf"])
}

func TestIngestRejectsUnsupportedContentType(t *testing.T) {
	srv := newTestHandler(newFakeStore(), newFakeIdem(), &fakeQueue{})

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, ingestRequest(t, "billing@acme.example", "msg-1/note.html", "text/html"))
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestCancelPendingRecord(t *testing.T) {
	store := newFakeStore()
	srv := newTestHandler(store, newFakeIdem(), &fakeQueue{})

	key := KeyFromIdempotencyKey("msg-2/invoice.pdf")
	store.records[key] = Record{Key: key, State: StateExtracting}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/"+key.String()+"/cancel", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StateCancelled, store.records[key].State)
	require.Equal(t, []string{"cancelled by caller"}, store.records[key].Reasons)
}

func TestCancelTerminalRecordConflicts(t *testing.T) {
	store := newFakeStore()
	srv := newTestHandler(store, newFakeIdem(), &fakeQueue{})

	key := KeyFromIdempotencyKey("msg-3/invoice.pdf")
	store.records[key] = Record{Key: key, State: StateCompleted}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/"+key.String()+"/cancel", nil))

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, StateCompleted, store.records[key].State)
}
