package twosync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func countRows(t *testing.T, svc *Service, table string) int {
	t.Helper()
	var n int
	require.NoError(t, svc.Pool().QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestSyncBatch_ParentsAndChildrenInOneBatch(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	req := &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie"), testUser(testUserB, "jean")},
		Listings: []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
		Messages: []Message{testMessageOn(testMessage, testListing, testUserB, testUserA)},
	}
	resp, err := svc.ProcessSyncBatch(ctx, "", req)
	require.NoError(t, err)
	require.True(t, resp.Success, "%+v", resp.Statuses)

	st, ok := resp.Status(KindListings, testListing)
	require.True(t, ok)
	assert.Equal(t, StApplied, st.Status)

	var row Listing
	require.NoError(t, json.Unmarshal(st.Row, &row))
	assert.Equal(t, ListingOpen, row.Status)
	assert.Equal(t, testUserA, row.UserID)
	assert.False(t, row.CreatedAt.IsZero())
}

func TestSyncBatch_ReplayIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	req := &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie"), testUser(testUserB, "jean")},
		Listings: []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
		Messages: []Message{testMessageOn(testMessage, testListing, testUserB, testUserA)},
		Gallery:  []GalleryItem{{ID: testGallery, PhotoURL: "https://img/1.jpg"}},
	}
	for i := 0; i < 3; i++ {
		resp, err := svc.ProcessSyncBatch(ctx, "", req)
		require.NoError(t, err)
		require.True(t, resp.Success, "attempt %d: %+v", i, resp.Statuses)
	}

	assert.Equal(t, 2, countRows(t, svc, "users"))
	assert.Equal(t, 1, countRows(t, svc, "listings"))
	assert.Equal(t, 1, countRows(t, svc, "messages"))
	assert.Equal(t, 1, countRows(t, svc, "gallery"))
}

func TestSyncBatch_ClosedIsTerminal(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	listing := testListingOf(testListing, testUserA, "Tondeuse")
	_, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie")},
		Listings: []Listing{listing},
	})
	require.NoError(t, err)

	resp, err := svc.ProcessSyncBatch(ctx, testUserA, &SyncBatchRequest{
		ListingStatus: []ListingStatusUpdate{{ID: testListing, Status: ListingClosed}},
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "%+v", resp.Statuses)

	// A stale replay still carrying "open" must not reopen the listing
	listing.Status = ListingOpen
	listing.Title = "Tondeuse thermique"
	resp, err = svc.ProcessSyncBatch(ctx, testUserA, &SyncBatchRequest{Listings: []Listing{listing}})
	require.NoError(t, err)
	st, _ := resp.Status(KindListings, testListing)
	require.Equal(t, StApplied, st.Status)

	var row Listing
	require.NoError(t, json.Unmarshal(st.Row, &row))
	assert.Equal(t, ListingClosed, row.Status)
	assert.Equal(t, "Tondeuse thermique", row.Title)

	open, err := svc.ListListings(ctx, ListingFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSyncBatch_MessageForMissingListing(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie"), testUser(testUserB, "jean")},
		Messages: []Message{testMessageOn(testMessage, testListing2, testUserB, testUserA)},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	st, ok := resp.Status(KindMessages, testMessage)
	require.True(t, ok)
	assert.Equal(t, ReasonFKMissing, st.Reason)
	assert.Equal(t, []string{"listings:" + testListing2}, st.Missing)
	assert.False(t, IsPermanent(st))

	userSt, _ := resp.Status(KindUsers, testUserA)
	assert.Equal(t, StApplied, userSt.Status)
	assert.Equal(t, 0, countRows(t, svc, "messages"))
}

func TestSyncBatch_MalformedIDIsReportedNotApplied(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie")},
		Listings: []Listing{testListingOf("abc-123", testUserA, "Tondeuse")},
	})
	require.NoError(t, err)

	st, ok := resp.Status(KindListings, "abc-123")
	require.True(t, ok)
	assert.Equal(t, ReasonBadPayload, st.Reason)
	assert.True(t, IsPermanent(st))

	userSt, _ := resp.Status(KindUsers, testUserA)
	assert.Equal(t, StApplied, userSt.Status)
}

func TestSyncBatch_UniqueViolationIsolatedPerItem(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	dup := testUser(testUserB, "jean")
	dup.Email = "marie@example.com"
	resp, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users: []User{testUser(testUserA, "marie"), dup},
	})
	require.NoError(t, err)

	first, _ := resp.Status(KindUsers, testUserA)
	second, _ := resp.Status(KindUsers, testUserB)
	assert.Equal(t, StApplied, first.Status)
	assert.Equal(t, ReasonUniqueViolation, second.Reason)
	assert.Contains(t, second.Message, "users_email_key")
	assert.Equal(t, 1, countRows(t, svc, "users"))
}

func TestSyncBatch_AuthenticatedOwnership(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie"), testUser(testUserB, "jean")},
		Listings: []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
	})
	require.NoError(t, err)

	resp, err := svc.ProcessSyncBatch(ctx, testUserB, &SyncBatchRequest{
		Listings:      []Listing{testListingOf(testListing2, testUserA, "Pelle")},
		ListingStatus: []ListingStatusUpdate{{ID: testListing, Status: ListingClosed}},
		Messages:      []Message{testMessageOn(testMessage, testListing, testUserA, testUserB)},
	})
	require.NoError(t, err)

	for _, kind := range []string{KindListings, KindListingStatus, KindMessages} {
		require.Len(t, resp.Statuses[kind], 1, kind)
		assert.Equal(t, ReasonForbidden, resp.Statuses[kind][0].Reason, kind)
	}

	// Anonymous upserts cannot take over a listing either
	hijack := testListingOf(testListing, testUserB, "Mine now")
	resp, err = svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{Listings: []Listing{hijack}})
	require.NoError(t, err)
	st, _ := resp.Status(KindListings, testListing)
	assert.Equal(t, ReasonForbidden, st.Reason)
}

func TestSyncBatch_StatusForUnknownListingIsRetryable(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.ProcessSyncBatch(context.Background(), "", &SyncBatchRequest{
		ListingStatus: []ListingStatusUpdate{{ID: testListing2, Status: ListingClosed}},
	})
	require.NoError(t, err)
	st, _ := resp.Status(KindListingStatus, testListing2)
	assert.Equal(t, ReasonFKMissing, st.Reason)
	assert.False(t, IsPermanent(st))
}

func TestSyncBatch_PublishesEvents(t *testing.T) {
	pub := &PublisherMock{}
	pub.On("Publish", mock.Anything, EventListingClosed, mock.Anything).Return(nil).Once()
	pub.On("Publish", mock.Anything, EventSyncBatchApplied, mock.Anything).Return(nil)
	svc := newTestService(t, pub)
	ctx := context.Background()

	_, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:         []User{testUser(testUserA, "marie")},
		Listings:      []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
		ListingStatus: []ListingStatusUpdate{{ID: testListing, Status: ListingClosed}},
	})
	require.NoError(t, err)

	pub.AssertExpectations(t)
	pub.AssertCalled(t, "Publish", mock.Anything, EventSyncBatchApplied, mock.MatchedBy(func(ev Event) bool {
		summary, ok := ev.Data.(BatchSummary)
		return ok && summary.Applied[KindUsers] == 1 && summary.Applied[KindListingStatus] == 1
	}))
}

func TestSyncBatch_AnonymousCannotTakeOverAccounts(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:    []User{testUser(testUserA, "marie")},
		Listings: []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
	})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, testUser(testUserB, "jean"))
	require.NoError(t, err)

	takeover := testUser(testUserA, "marie")
	takeover.Password = "owned"
	resp, err := svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Users:         []User{takeover},
		Listings:      []Listing{testListingOf(testListing2, testUserA, "Pelle")},
		ListingStatus: []ListingStatusUpdate{{ID: testListing, Status: ListingClosed}},
		Messages:      []Message{testMessageOn(testMessage, testListing, testUserA, testUserB)},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	for _, kind := range []string{KindUsers, KindListings, KindListingStatus, KindMessages} {
		require.Len(t, resp.Statuses[kind], 1, kind)
		assert.Equal(t, ReasonForbidden, resp.Statuses[kind][0].Reason, kind)
		assert.True(t, IsPermanent(resp.Statuses[kind][0]), kind)
	}

	_, err = svc.Authenticate(ctx, "marie", "owned")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "marie", "secret")
	assert.NoError(t, err)
	assert.Equal(t, 1, countRows(t, svc, "listings"))
	assert.Equal(t, 0, countRows(t, svc, "messages"))
	open, err := svc.ListListings(ctx, ListingFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// an account not part of the batch cannot be written for anonymously either
	resp, err = svc.ProcessSyncBatch(ctx, "", &SyncBatchRequest{
		Messages: []Message{testMessageOn(testMessage, testListing, testUserB, testUserA)},
	})
	require.NoError(t, err)
	st, _ := resp.Status(KindMessages, testMessage)
	assert.Equal(t, ReasonForbidden, st.Reason)
}

func TestSyncBatch_AnonymousRegistrationReplayIsApplied(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	req := &SyncBatchRequest{
		Users:         []User{testUser(testUserA, "marie")},
		Listings:      []Listing{testListingOf(testListing, testUserA, "Tondeuse")},
		ListingStatus: []ListingStatusUpdate{{ID: testListing, Status: ListingClosed}},
	}
	for i := 0; i < 2; i++ {
		resp, err := svc.ProcessSyncBatch(ctx, "", req)
		require.NoError(t, err)
		require.True(t, resp.Success, "attempt %d: %+v", i, resp.Statuses)
	}
}

func TestDirectCreates_ReusedIDIsConflict(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, testUser(testUserA, "marie"))
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, testUser(testUserB, "jean"))
	require.NoError(t, err)

	_, err = svc.CreateListing(ctx, testUserA, testListingOf(testListing, testUserA, "Tondeuse"))
	require.NoError(t, err)
	_, err = svc.CreateListing(ctx, testUserA, testListingOf(testListing, testUserA, "Remplacée"))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateMessage(ctx, testUserB, testMessageOn(testMessage, testListing, testUserB, testUserA))
	require.NoError(t, err)
	_, err = svc.CreateMessage(ctx, testUserB, testMessageOn(testMessage, testListing, testUserB, testUserA))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateGalleryItem(ctx, GalleryItem{ID: testGallery, PhotoURL: "https://img/1.jpg"})
	require.NoError(t, err)
	_, err = svc.CreateGalleryItem(ctx, GalleryItem{ID: testGallery, PhotoURL: "https://img/2.jpg"})
	assert.ErrorIs(t, err, ErrConflict)

	listings, err := svc.ListListings(ctx, ListingFilter{})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "Tondeuse", listings[0].Title)
}
