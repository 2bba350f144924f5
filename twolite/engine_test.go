package twolite

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmt94800-wq/twokaj/twosync"
)

func invalidFor(req *twosync.SyncBatchRequest, t *testing.T, kind, id, reason string) *twosync.SyncBatchResponse {
	resp := applyAll(t, req)
	resp.Success = false
	for i, st := range resp.Statuses[kind] {
		if st.ID == id {
			resp.Statuses[kind][i] = twosync.ItemStatus{ID: id, Status: twosync.StInvalid, Reason: reason}
		}
	}
	return resp
}

func TestEngine_DrainsInOrderAndCachesAuthoritativeRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	mustEnqueue(t, store, OpCreateAd, testListing(listingA, userA, "Brouette"))
	mustEnqueue(t, store, OpSendMessage, testMessage(messageA, listingA, userA, userB))

	sender.handle = func(_ int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		resp := applyAll(t, req)
		row := req.Listings[0]
		row.Pseudo = "alice"
		row.Title = "Brouette (serveur)"
		resp.Statuses[twosync.KindListings][0].Row = mustJSON(t, row)
		return resp, nil
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, 0, report.Remaining)
	assert.False(t, report.Stopped)
	assert.Equal(t, []int{3}, sender.sizes())

	var cached twosync.Listing
	require.NoError(t, store.Get(ctx, CollectionListings, listingA, &cached))
	assert.Equal(t, "Brouette (serveur)", cached.Title)
	assert.Equal(t, "alice", cached.Pseudo)

	ops, err := store.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestEngine_UploadLimitSplitsWindows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	engine.config.UploadLimit = 2

	for _, id := range []string{userA, userB, listingA, listingB, galleryA} {
		mustEnqueue(t, store, OpCreateGalleryItem, twosync.GalleryItem{ID: id, PhotoURL: "https://img.example/" + id})
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Applied)
	assert.Equal(t, []int{2, 2, 1}, sender.sizes())
}

func TestEngine_PermanentRejectionContinues(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, notifier)

	rejected := mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	mustEnqueue(t, store, OpCreateUser, testUser(userB, "bob"))
	sender.handle = func(_ int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return invalidFor(req, t, twosync.KindUsers, userA, twosync.ReasonUniqueViolation), nil
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Stopped)

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, rejected.ID, failed[0].ID)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.Contains(t, failed[0].LastError, twosync.ReasonUniqueViolation)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Permanent)
	assert.Equal(t, twosync.ReasonUniqueViolation, events[0].Reason)
	assert.Equal(t, userA, events[0].Operation.EntityID)
}

func TestEngine_TransientFailureStopsAndBacksOff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, now := newTestEngine(t, store, sender, nil)

	head := mustEnqueue(t, store, OpSendMessage, testMessage(messageA, listingA, userA, userB))
	mustEnqueue(t, store, OpCreateGalleryItem, twosync.GalleryItem{ID: galleryA, PhotoURL: "https://img.example/a.jpg"})

	sender.handle = func(n int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		if n == 0 {
			return invalidFor(req, t, twosync.KindMessages, messageA, twosync.ReasonFKMissing), nil
		}
		return applyAll(t, req), nil
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, "transient", report.StopReason)
	assert.Equal(t, 0, report.Applied, "operations after a transient failure stay queued")
	assert.Equal(t, 2, report.Remaining)
	assert.Equal(t, now.Add(time.Second), report.NextAttemptAt)

	ops, err := store.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, head.ID, ops[0].ID)
	assert.Equal(t, 1, ops[0].AttemptCount)
	require.NotNil(t, ops[0].NextAttemptAt)
	assert.WithinDuration(t, now.Add(time.Second), *ops[0].NextAttemptAt, time.Millisecond)

	// Still inside the backoff window: nothing is sent
	report, err = engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backoff", report.StopReason)
	assert.Len(t, sender.batches, 1)

	*now = now.Add(2 * time.Second)
	report, err = engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 0, report.Remaining)
}

func TestEngine_RequestErrorBacksOffHead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{handle: func(int, *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return nil, &APIError{StatusCode: 503, Code: "unavailable"}
	}}
	engine, _ := newTestEngine(t, store, sender, nil)

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	mustEnqueue(t, store, OpCreateUser, testUser(userB, "bob"))

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, 2, report.Remaining)

	ops, err := store.ListQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ops[0].AttemptCount)
	assert.Equal(t, 0, ops[1].AttemptCount)
	assert.Contains(t, ops[0].LastError, "503")
}

func TestEngine_DeadLettersAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	sender := &fakeSender{handle: func(_ int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return nil, errors.New("connection reset")
	}}
	engine, now := newTestEngine(t, store, sender, notifier)

	op := mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))

	for i := 0; i < engine.config.MaxAttempts-1; i++ {
		report, err := engine.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, "transient", report.StopReason)
		*now = now.Add(time.Minute)
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dead_lettered", report.StopReason)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, 0, report.Remaining)

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].ID)
	assert.Equal(t, StateDead, failed[0].State)
	assert.Equal(t, engine.config.MaxAttempts, failed[0].AttemptCount)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].DeadLettered)
	assert.False(t, events[0].Permanent)
}

func TestEngine_BatchTooLargeHalvesWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	engine.config.UploadLimit = 4

	sender.handle = func(_ int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		if req.Len() > 2 {
			resp := &twosync.SyncBatchResponse{Statuses: map[string][]twosync.ItemStatus{}}
			for _, g := range req.Gallery {
				resp.Statuses[twosync.KindGallery] = append(resp.Statuses[twosync.KindGallery],
					twosync.ItemStatus{ID: g.ID, Status: twosync.StInvalid, Reason: twosync.ReasonBatchTooLarge})
			}
			return resp, nil
		}
		return applyAll(t, req), nil
	}

	for _, id := range []string{userA, userB, listingA, listingB} {
		mustEnqueue(t, store, OpCreateGalleryItem, twosync.GalleryItem{ID: id, PhotoURL: "https://img.example/" + id})
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Applied)
	assert.Equal(t, []int{4, 2, 2}, sender.sizes())
}

func TestEngine_StatusesMappedByKindPosition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, notifier)

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	mustEnqueue(t, store, OpCreateAd, testListing(listingA, userA, "Brouette"))
	mustEnqueue(t, store, OpCreateAd, testListing(listingB, userA, "Houe"))
	mustEnqueue(t, store, OpUpdateAdStatus, twosync.ListingStatusUpdate{ID: listingA, Status: twosync.ListingClosed})

	sender.handle = func(_ int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		require.Len(t, req.Users, 1)
		require.Len(t, req.Listings, 2)
		require.Len(t, req.ListingStatus, 1)
		return invalidFor(req, t, twosync.KindListings, listingB, twosync.ReasonForbidden), nil
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, 1, report.Failed)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, listingB, events[0].Operation.EntityID)
	assert.Equal(t, OpCreateAd, events[0].Operation.Kind)
}

func TestEngine_ReconnectClearsBackoff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, now := newTestEngine(t, store, sender, nil)

	op := mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	require.NoError(t, store.RecordAttempt(ctx, op.ID, 2, now.Add(time.Hour), "timeout"))

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backoff", report.StopReason)
	assert.Empty(t, sender.batches)

	report, err = engine.drain(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 0, report.Remaining)
}

func TestEngine_MissingStatusIsTransient(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{handle: func(int, *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return &twosync.SyncBatchResponse{Statuses: map[string][]twosync.ItemStatus{}}, nil
	}}
	engine, _ := newTestEngine(t, store, sender, nil)

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "transient", report.StopReason)
	assert.Equal(t, 1, report.Remaining)
}

func TestEngine_Backoff(t *testing.T) {
	engine := NewEngine(nil, nil, &Config{BackoffMin: time.Second, BackoffMax: 10 * time.Second}, discardLogger(), nil)

	assert.Equal(t, time.Second, engine.backoff(1))
	assert.Equal(t, 2*time.Second, engine.backoff(2))
	assert.Equal(t, 4*time.Second, engine.backoff(3))
	assert.Equal(t, 8*time.Second, engine.backoff(4))
	assert.Equal(t, 10*time.Second, engine.backoff(5))
	assert.Equal(t, 10*time.Second, engine.backoff(50))
}

func TestEngine_RunDrainsOnSignal(t *testing.T) {
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	engine.now = time.Now
	engine.config.SyncInterval = time.Hour

	refreshed := make(chan struct{}, 8)
	engine.afterDrain = func(context.Context) error {
		refreshed <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan SyncRequired, 1)
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, nil, signals) }()

	// Initial cycle
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("initial cycle did not run")
	}

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))
	signals <- SyncRequired{}

	require.Eventually(t, func() bool {
		stats, err := store.QueueStats(context.Background())
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_RunSkipsCyclesWhileOffline(t *testing.T) {
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	engine.now = time.Now
	engine.config.SyncInterval = time.Hour

	monitor := NewMonitor(nil, time.Second, discardLogger())
	monitor.SetOnline(false)
	engine.online = monitor.Online
	transitions := monitor.Subscribe()

	mustEnqueue(t, store, OpCreateUser, testUser(userA, "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, transitions) }()

	engine.Wake()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.sizes())

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return len(sender.sizes()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// stubCredentials hands out fixed tokens and the next token for each renewal
type stubCredentials struct {
	tokens   map[string]string
	renewed  map[string]string
	renewals []string
}

func (s *stubCredentials) Token(_ context.Context, owner string) (string, error) {
	return s.tokens[owner], nil
}

func (s *stubCredentials) Renew(_ context.Context, owner string) (string, error) {
	s.renewals = append(s.renewals, owner)
	s.tokens[owner] = s.renewed[owner]
	return s.renewed[owner], nil
}

func TestEngine_WindowsNeverMixOwners(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	engine.credentials = &stubCredentials{tokens: map[string]string{userA: "tok-a", userB: "tok-b"}}

	mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingA, userA, "Brouette"))
	mustEnqueueAs(t, store, userA, OpUpdateAdStatus, twosync.ListingStatusUpdate{ID: listingA, Status: twosync.ListingClosed})
	mustEnqueueAs(t, store, userB, OpSendMessage, testMessage(messageA, listingA, userB, userA))
	mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingB, userA, "Houe"))
	mustEnqueue(t, store, OpCreateGalleryItem, twosync.GalleryItem{ID: galleryA, PhotoURL: "https://img.example/a.jpg"})

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Applied)
	assert.Equal(t, []int{2, 1, 1, 1}, sender.sizes())
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-a", ""}, sender.sentTokens())
}

func TestEngine_UnauthorizedNeverDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{handle: func(int, *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
	}}
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(t, store, sender, notifier)
	creds := &stubCredentials{tokens: map[string]string{userA: "expired"}, renewed: map[string]string{}}
	engine.credentials = creds

	op := mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingA, userA, "Brouette"))

	for range engine.config.MaxAttempts + 2 {
		report, err := engine.SyncOnce(ctx)
		require.NoError(t, err)
		assert.True(t, report.Stopped)
		assert.Equal(t, "unauthorized", report.StopReason)
		assert.Zero(t, report.DeadLettered)
		assert.True(t, report.NextAttemptAt.IsZero())
		assert.Equal(t, 1, report.Remaining)
	}
	assert.Empty(t, notifier.all())
	assert.Equal(t, []string{"expired"}, sender.sentTokens(), "without a token nothing more is sent")

	ops, err := store.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Zero(t, ops[0].AttemptCount)
	assert.Equal(t, StatePending, ops[0].State)
}

func TestEngine_UnauthorizedWithoutCredentialsStops(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{handle: func(int, *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
	}}
	engine, _ := newTestEngine(t, store, sender, nil)

	mustEnqueue(t, store, OpCreateGalleryItem, twosync.GalleryItem{ID: galleryA, PhotoURL: "https://img.example/a.jpg"})

	for range engine.config.MaxAttempts + 1 {
		report, err := engine.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, "unauthorized", report.StopReason)
	}
	ops, err := store.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].AttemptCount)
}

func TestEngine_RejectedTokenIsRenewedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	sender.handle = func(n int, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
		if sender.tokenAt(n) == "expired" {
			return nil, &APIError{StatusCode: http.StatusUnauthorized}
		}
		return applyAll(t, req), nil
	}
	engine, _ := newTestEngine(t, store, sender, nil)
	creds := &stubCredentials{tokens: map[string]string{userA: "expired"}, renewed: map[string]string{userA: "fresh"}}
	engine.credentials = creds

	mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingA, userA, "Brouette"))
	mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingB, userA, "Houe"))

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, []string{"expired", "fresh"}, sender.sentTokens())
	assert.Equal(t, []string{userA}, creds.renewals)
}

func TestEngine_OwnerRegisteredInWindowIsSentAnonymously(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}
	engine, _ := newTestEngine(t, store, sender, nil)
	creds := &stubCredentials{tokens: map[string]string{}, renewed: map[string]string{}}
	engine.credentials = creds

	mustEnqueueAs(t, store, userA, OpCreateUser, testUser(userA, "alice"))
	mustEnqueueAs(t, store, userA, OpCreateAd, testListing(listingA, userA, "Brouette"))

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, []string{""}, sender.sentTokens())
	assert.Empty(t, creds.renewals)
}
