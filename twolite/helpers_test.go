package twolite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmt94800-wq/twokaj/twosync"
)

const (
	userA    = "11111111-1111-1111-1111-111111111111"
	userB    = "22222222-2222-2222-2222-222222222222"
	listingA = "33333333-3333-3333-3333-333333333333"
	listingB = "66666666-6666-6666-6666-666666666666"
	messageA = "44444444-4444-4444-4444-444444444444"
	galleryA = "55555555-5555-5555-5555-555555555555"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), ":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testUser(id, pseudo string) twosync.User {
	return twosync.User{
		ID:        id,
		Name:      strings.ToUpper(pseudo[:1]) + pseudo[1:],
		Pseudo:    pseudo,
		Email:     pseudo + "@example.com",
		Password:  "secret",
		Address:   "Port-au-Prince",
		CreatedAt: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testListing(id, userID, title string) twosync.Listing {
	return twosync.Listing{
		ID:        id,
		UserID:    userID,
		Type:      twosync.ListingOffer,
		Category:  "outils",
		Title:     title,
		Location:  "Jacmel",
		Status:    twosync.ListingOpen,
		CreatedAt: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
	}
}

func testMessage(id, listingID, from, to string) twosync.Message {
	return twosync.Message{
		ID:         id,
		ListingID:  listingID,
		SenderID:   from,
		ReceiverID: to,
		Content:    "Bonjour, toujours disponible ?",
		Type:       twosync.MessageContact,
		CreatedAt:  time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC),
	}
}

func mustEnqueue(t *testing.T, store *Store, kind OpKind, entity any) Operation {
	t.Helper()
	op, err := NewOperation(kind, entity)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), &op))
	return op
}

func mustEnqueueAs(t *testing.T, store *Store, owner string, kind OpKind, entity any) Operation {
	t.Helper()
	op, err := NewOperation(kind, entity)
	require.NoError(t, err)
	op.OwnerID = owner
	require.NoError(t, store.Enqueue(context.Background(), &op))
	return op
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(mustJSON(t, body)))),
	}
}

// applyAll acknowledges every item of a batch and echoes it back as the authoritative row
func applyAll(t *testing.T, req *twosync.SyncBatchRequest) *twosync.SyncBatchResponse {
	t.Helper()
	resp := &twosync.SyncBatchResponse{Success: true, Statuses: map[string][]twosync.ItemStatus{}}
	add := func(kind, id string, row any) {
		st := twosync.ItemStatus{ID: id, Status: twosync.StApplied}
		if row != nil {
			st.Row = mustJSON(t, row)
		}
		resp.Statuses[kind] = append(resp.Statuses[kind], st)
	}
	for _, u := range req.Users {
		add(twosync.KindUsers, u.ID, u.Public())
	}
	for _, l := range req.Listings {
		add(twosync.KindListings, l.ID, l)
	}
	for _, s := range req.ListingStatus {
		add(twosync.KindListingStatus, s.ID, nil)
	}
	for _, m := range req.Messages {
		add(twosync.KindMessages, m.ID, m)
	}
	for _, g := range req.Gallery {
		add(twosync.KindGallery, g.ID, g)
	}
	return resp
}

// fakeSender records every batch and answers with the scripted handler
type fakeSender struct {
	t       *testing.T
	mu      sync.Mutex
	batches []*twosync.SyncBatchRequest
	tokens  []string
	handle  func(n int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error)
}

func (f *fakeSender) send(_ context.Context, token string, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
	f.mu.Lock()
	n := len(f.batches)
	f.batches = append(f.batches, req)
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if f.handle == nil {
		return applyAll(f.t, req), nil
	}
	return f.handle(n, req)
}

func (f *fakeSender) tokenAt(n int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[n]
}

func (f *fakeSender) sentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeSender) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, b := range f.batches {
		out = append(out, b.Len())
	}
	return out
}

// recordingNotifier collects failure notifications
type recordingNotifier struct {
	mu     sync.Mutex
	events []FailureEvent
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, ev FailureEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []FailureEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FailureEvent(nil), n.events...)
}

func testConfig(baseURL string) *Config {
	cfg := DefaultConfig(baseURL)
	cfg.MaxAttempts = 3
	cfg.BackoffMin = time.Second
	cfg.BackoffMax = 8 * time.Second
	cfg.HTTPTimeout = 2 * time.Second
	return cfg
}

// newTestEngine builds an engine with a controllable clock
func newTestEngine(t *testing.T, store *Store, sender *fakeSender, notifier Notifier) (*Engine, *time.Time) {
	t.Helper()
	sender.t = t
	engine := NewEngine(store, sender.send, testConfig(""), discardLogger(), notifier)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }
	return engine, &now
}
