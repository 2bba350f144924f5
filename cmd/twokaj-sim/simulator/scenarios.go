// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jmt94800-wq/twokaj/twolite"
	"github.com/jmt94800-wq/twokaj/twosync"
)

// Scenario is a scripted sequence of client actions and network transitions
type Scenario struct {
	Name        string
	Description string
	Execute     func(ctx context.Context, run *Run) error
	Verify      func(ctx context.Context, run *Run, v *DatabaseVerifier) error
}

// Run is the state of one scenario execution
type Run struct {
	sim     *Simulator
	report  *ScenarioReport
	logger  *slog.Logger
	dir     string
	devices []*Device

	created map[string][]string // server table -> ids expected after the run
	closed  []string            // listings expected closed
}

func (r *Run) device(ctx context.Context, name string) (*Device, error) {
	if r.dir == "" {
		r.dir = filepath.Join(r.sim.config.WorkDir, r.report.Name+"-"+uuid.NewString()[:8])
		if err := os.MkdirAll(r.dir, 0o700); err != nil {
			return nil, err
		}
	}
	d, err := NewDevice(ctx, name, r.dir, r.sim.config.ServerURL, r.logger)
	if err != nil {
		return nil, err
	}
	r.devices = append(r.devices, d)
	return d, nil
}

func (r *Run) expect(table string, ids ...string) {
	if r.created == nil {
		r.created = map[string][]string{}
	}
	r.created[table] = append(r.created[table], ids...)
}

func (r *Run) close() error {
	var errs []error
	for _, d := range r.devices {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}

// verifyCreated checks every expected row and closed listing on the server
func verifyCreated(ctx context.Context, run *Run, v *DatabaseVerifier) error {
	for table, ids := range run.created {
		if err := v.RequireRows(ctx, table, ids...); err != nil {
			return err
		}
	}
	for _, id := range run.closed {
		status, err := v.ListingStatus(ctx, id)
		if err != nil {
			return err
		}
		if status != twosync.ListingClosed {
			return fmt.Errorf("listing %s: expected closed on the server, got %s", id, status)
		}
	}
	return nil
}

func newUser(prefix string) twosync.User {
	tag := uuid.NewString()[:8]
	return twosync.User{
		Name:       prefix + " " + tag,
		Pseudo:     prefix + "-" + tag,
		Email:      prefix + "-" + tag + "@example.com",
		Password:   "pw-" + tag,
		Address:    "Jacmel",
		Categories: twosync.Strings{"plantes"},
	}
}

func newListing(title string) twosync.Listing {
	return twosync.Listing{
		Type:     twosync.ListingOffer,
		Category: "plantes",
		Title:    title,
		Location: "Jacmel",
	}
}

// wantQueued accepts a write that went to the operation queue
func wantQueued(res twolite.Result, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if !res.Queued {
		return "", fmt.Errorf("%s: expected the write to be queued", res.ID)
	}
	return res.ID, nil
}

// wantDirect accepts a write that reached the server directly
func wantDirect(res twolite.Result, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if res.Queued {
		return "", fmt.Errorf("%s: expected a direct write, it was queued", res.ID)
	}
	return res.ID, nil
}

func requirePending(ctx context.Context, d *Device, want int) error {
	n, err := d.Pending(ctx)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("%s: expected %d pending operations, found %d", d.Name, want, n)
	}
	return nil
}

func allScenarios() []Scenario {
	return []Scenario{
		{
			Name:        "fresh-install",
			Description: "New device used offline from the first launch, then synced",
			Execute:     freshInstall,
			Verify:      verifyCreated,
		},
		{
			Name:        "offline-online",
			Description: "Signed-in user loses the network, keeps working, reconnects",
			Execute:     offlineOnline,
			Verify:      verifyCreated,
		},
		{
			Name:        "background-sync",
			Description: "Queued writes are replayed by the background loop once connectivity returns",
			Execute:     backgroundSync,
			Verify:      verifyCreated,
		},
		{
			Name:        "user-switch",
			Description: "Two users share one device and exchange a message",
			Execute:     userSwitch,
			Verify:      verifyCreated,
		},
		{
			Name:        "multi-device",
			Description: "Two devices converge through the server",
			Execute:     multiDevice,
			Verify:      verifyCreated,
		},
	}
}

func freshInstall(ctx context.Context, run *Run) error {
	d, err := run.device(ctx, "phone")
	if err != nil {
		return err
	}
	d.GoOffline()

	u := newUser("fresh")
	userID, err := wantQueued(d.Client.Register(ctx, u))
	if err != nil {
		return err
	}
	listingID, err := wantQueued(d.Client.CreateListing(ctx, newListing("Boutures de bougainvillier")))
	if err != nil {
		return err
	}
	photoID, err := wantQueued(d.Client.AddGalleryItem(ctx, twosync.GalleryItem{PhotoURL: "https://example.com/jardin.jpg"}))
	if err != nil {
		return err
	}
	if err := requirePending(ctx, d, 3); err != nil {
		return err
	}

	d.GoOnline(ctx)
	report, err := d.Sync(ctx)
	if err != nil {
		return err
	}
	run.report.AddMetric("applied", report.Applied)

	// The offline session has no token; an online login upgrades it
	if _, err := d.Client.Login(ctx, u.Pseudo, u.Password); err != nil {
		return err
	}
	sess, err := d.Client.Store.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if sess.Token == "" {
		return errors.New("expected a token after online login")
	}
	directID, err := wantDirect(d.Client.CreateListing(ctx, newListing("Pieds de tomates")))
	if err != nil {
		return err
	}

	run.expect("users", userID)
	run.expect("listings", listingID, directID)
	run.expect("gallery", photoID)
	return nil
}

func offlineOnline(ctx context.Context, run *Run) error {
	d, err := run.device(ctx, "tablet")
	if err != nil {
		return err
	}
	userID, err := wantDirect(d.Client.Register(ctx, newUser("roaming")))
	if err != nil {
		return err
	}

	d.GoOffline()
	first, err := wantQueued(d.Client.CreateListing(ctx, newListing("Semences de pois")))
	if err != nil {
		return err
	}
	second, err := wantQueued(d.Client.CreateListing(ctx, newListing("Prêt de brouette")))
	if err != nil {
		return err
	}
	if _, err := wantQueued(d.Client.CloseListing(ctx, first)); err != nil {
		return err
	}
	if err := requirePending(ctx, d, 3); err != nil {
		return err
	}

	// Sync attempts while offline keep everything queued
	report, err := d.Client.SyncOnce(ctx)
	if err != nil {
		return err
	}
	if report.Applied != 0 {
		return fmt.Errorf("expected nothing delivered offline, got %d", report.Applied)
	}

	d.GoOnline(ctx)
	if _, err := d.Sync(ctx); err != nil {
		return err
	}

	open, err := d.Client.Store.Listings(ctx, twosync.ListingFilter{UserID: userID})
	if err != nil {
		return err
	}
	if len(open) != 1 || open[0].ID != second {
		return fmt.Errorf("expected only %s open after sync, got %d listings", second, len(open))
	}

	run.expect("users", userID)
	run.expect("listings", first, second)
	run.closed = append(run.closed, first)
	return nil
}

func backgroundSync(ctx context.Context, run *Run) error {
	d, err := run.device(ctx, "laptop")
	if err != nil {
		return err
	}
	d.GoOffline()

	userID, err := wantQueued(d.Client.Register(ctx, newUser("background")))
	if err != nil {
		return err
	}
	listingID, err := wantQueued(d.Client.CreateListing(ctx, newListing("Coup de main pour la récolte")))
	if err != nil {
		return err
	}
	registered, err := d.Client.Trigger.Registered(ctx)
	if err != nil {
		return err
	}
	if !registered {
		return errors.New("expected a pending background sync registration")
	}

	d.radio.off.Store(false)
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Client.Run(runCtx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		n, err := d.Pending(ctx)
		if err != nil {
			cancel()
			<-done
			return err
		}
		if n == 0 {
			break
		}
		select {
		case <-runCtx.Done():
			<-done
			return fmt.Errorf("queue not drained by the background loop: %d pending", n)
		case <-ticker.C:
		}
	}
	cancel()
	if err := <-done; err != nil {
		return err
	}

	run.expect("users", userID)
	run.expect("listings", listingID)
	return nil
}

func userSwitch(ctx context.Context, run *Run) error {
	d, err := run.device(ctx, "shared")
	if err != nil {
		return err
	}
	alice, bob := newUser("alice"), newUser("bob")

	aliceID, err := wantDirect(d.Client.Register(ctx, alice))
	if err != nil {
		return err
	}
	listingID, err := wantDirect(d.Client.CreateListing(ctx, newListing("Chèvre à échanger")))
	if err != nil {
		return err
	}
	if err := d.Client.Logout(ctx); err != nil {
		return err
	}

	bobID, err := wantDirect(d.Client.Register(ctx, bob))
	if err != nil {
		return err
	}
	if _, err := d.Client.CloseListing(ctx, listingID); !errors.Is(err, twolite.ErrForbidden) {
		return fmt.Errorf("expected closing another user's listing to be forbidden, got %v", err)
	}
	messageID, err := wantDirect(d.Client.SendMessage(ctx, twosync.Message{
		ListingID:  listingID,
		ReceiverID: aliceID,
		Content:    "Intéressé par la chèvre",
		Type:       twosync.MessageContact,
	}))
	if err != nil {
		return err
	}
	if err := d.Client.Logout(ctx); err != nil {
		return err
	}

	if _, err := d.Client.Login(ctx, alice.Email, alice.Password); err != nil {
		return err
	}
	if err := d.Client.Refresh(ctx); err != nil {
		return err
	}
	inbox, err := d.Client.Store.Messages(ctx, aliceID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(inbox, func(m twosync.Message) bool { return m.ID == messageID }) {
		return errors.New("alice did not receive bob's message")
	}

	run.expect("users", aliceID, bobID)
	run.expect("listings", listingID)
	run.expect("messages", messageID)
	return nil
}

func multiDevice(ctx context.Context, run *Run) error {
	a, err := run.device(ctx, "device-a")
	if err != nil {
		return err
	}
	b, err := run.device(ctx, "device-b")
	if err != nil {
		return err
	}

	sellerID, err := wantDirect(a.Client.Register(ctx, newUser("seller")))
	if err != nil {
		return err
	}
	listingID, err := wantDirect(a.Client.CreateListing(ctx, newListing("Terrain à prêter")))
	if err != nil {
		return err
	}

	b.GoOffline()
	buyer := newUser("buyer")
	buyerID, err := wantQueued(b.Client.Register(ctx, buyer))
	if err != nil {
		return err
	}
	b.GoOnline(ctx)
	if _, err := b.Sync(ctx); err != nil {
		return err
	}
	if _, err := b.Client.Login(ctx, buyer.Pseudo, buyer.Password); err != nil {
		return err
	}
	if err := b.Client.Refresh(ctx); err != nil {
		return err
	}
	var seen twosync.Listing
	if err := b.Client.Store.Get(ctx, twolite.CollectionListings, listingID, &seen); err != nil {
		return fmt.Errorf("device-b does not see the listing: %w", err)
	}

	messageID, err := wantDirect(b.Client.SendMessage(ctx, twosync.Message{
		ListingID:  listingID,
		ReceiverID: sellerID,
		Content:    "Je peux venir samedi",
		Type:       twosync.MessageDeal,
	}))
	if err != nil {
		return err
	}

	if err := a.Client.Refresh(ctx); err != nil {
		return err
	}
	inbox, err := a.Client.Store.Messages(ctx, sellerID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(inbox, func(m twosync.Message) bool { return m.ID == messageID }) {
		return errors.New("device-a did not receive the message")
	}

	run.expect("users", sellerID, buyerID)
	run.expect("listings", listingID)
	run.expect("messages", messageID)
	return nil
}
