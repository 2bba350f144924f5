package twosync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserA    = "11111111-1111-1111-1111-111111111111"
	testUserB    = "22222222-2222-2222-2222-222222222222"
	testListing  = "33333333-3333-3333-3333-333333333333"
	testMessage  = "44444444-4444-4444-4444-444444444444"
	testGallery  = "55555555-5555-5555-5555-555555555555"
	testListing2 = "66666666-6666-6666-6666-666666666666"
)

func TestNormalizeID(t *testing.T) {
	id, err := NormalizeID("id", "  AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE ")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", id)

	_, err = NormalizeID("id", "abc-123")
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestValidateUser(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{name: "valid", user: User{ID: testUserA, Pseudo: "marie", Email: "Marie@Example.com", Password: "secret"}},
		{name: "missing pseudo", user: User{ID: testUserA, Email: "m@example.com", Password: "secret"}, wantErr: true},
		{name: "bad email", user: User{ID: testUserA, Pseudo: "marie", Email: "not-an-email", Password: "secret"}, wantErr: true},
		{name: "missing password", user: User{ID: testUserA, Pseudo: "marie", Email: "m@example.com"}, wantErr: true},
		{name: "bad id", user: User{ID: "u1", Pseudo: "marie", Email: "m@example.com", Password: "secret"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			err := ValidateUser(&u)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "marie@example.com", u.Email)
			assert.NotNil(t, u.Categories)
		})
	}
}

func TestValidateListing_Defaults(t *testing.T) {
	l := Listing{ID: testListing, UserID: testUserA, Title: "  Tondeuse  "}
	require.NoError(t, ValidateListing(&l))
	assert.Equal(t, "Tondeuse", l.Title)
	assert.Equal(t, ListingOffer, l.Type)
	assert.Equal(t, ListingOpen, l.Status)
	assert.NotNil(t, l.Availability)
}

func TestValidateListing_Rejects(t *testing.T) {
	base := Listing{ID: testListing, UserID: testUserA, Title: "Tondeuse"}

	cases := map[string]func(l *Listing){
		"empty title":      func(l *Listing) { l.Title = " " },
		"unknown type":     func(l *Listing) { l.Type = "swap" },
		"unknown category": func(l *Listing) { l.Category = "voitures" },
		"unknown status":   func(l *Listing) { l.Status = "archived" },
		"bad user id":      func(l *Listing) { l.UserID = "abc-123" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			l := base
			mutate(&l)
			assert.ErrorIs(t, ValidateListing(&l), ErrBadPayload)
		})
	}
}

func TestValidateListingStatus(t *testing.T) {
	require.NoError(t, ValidateListingStatus(&ListingStatusUpdate{ID: testListing, Status: ListingClosed}))
	assert.ErrorIs(t, ValidateListingStatus(&ListingStatusUpdate{ID: testListing, Status: ListingOpen}), ErrBadPayload)
}

func TestValidateMessage(t *testing.T) {
	m := Message{ID: testMessage, ListingID: testListing, SenderID: testUserA, ReceiverID: testUserB, Content: "Bonjour"}
	require.NoError(t, ValidateMessage(&m))
	assert.Equal(t, MessageChat, m.Type)

	bad := m
	bad.Content = "   "
	assert.ErrorIs(t, ValidateMessage(&bad), ErrBadPayload)

	bad = m
	bad.Type = "spam"
	assert.ErrorIs(t, ValidateMessage(&bad), ErrBadPayload)

	bad = m
	bad.ListingID = "abc-123"
	assert.ErrorIs(t, ValidateMessage(&bad), ErrBadPayload)
}

func TestValidateGalleryItem(t *testing.T) {
	require.NoError(t, ValidateGalleryItem(&GalleryItem{ID: testGallery, PhotoURL: "https://img/1.jpg"}))
	assert.ErrorIs(t, ValidateGalleryItem(&GalleryItem{ID: testGallery}), ErrBadPayload)
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(ItemStatus{Status: StApplied}))
	for _, reason := range []string{ReasonBadPayload, ReasonUniqueViolation, ReasonForbidden} {
		assert.True(t, IsPermanent(ItemStatus{Status: StInvalid, Reason: reason}), reason)
	}
	for _, reason := range []string{ReasonFKMissing, ReasonPrecheckError, ReasonInternalError, ReasonBatchTooLarge} {
		assert.False(t, IsPermanent(ItemStatus{Status: StInvalid, Reason: reason}), reason)
	}
}

func TestJSONColumns(t *testing.T) {
	v, err := Strings(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	var s Strings
	require.NoError(t, s.Scan([]byte(`["outils","plantes"]`)))
	assert.Equal(t, Strings{"outils", "plantes"}, s)
	require.NoError(t, s.Scan(nil))
	assert.Equal(t, Strings{}, s)

	var a Attributes
	require.NoError(t, a.Scan(`{"weekend":true}`))
	assert.Equal(t, true, a["weekend"])
	assert.Error(t, a.Scan(42))
}

func TestStatusApplied_CarriesRow(t *testing.T) {
	st := statusApplied(testListing, Listing{ID: testListing, Status: ListingClosed})
	assert.Equal(t, StApplied, st.Status)
	assert.Contains(t, string(st.Row), `"status":"closed"`)
}
