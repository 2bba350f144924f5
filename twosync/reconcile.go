// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessSyncBatch reconciles a batch of deferred writes. Kinds are applied parent-first,
// each in its own transaction; an item's outcome never depends on items of later kinds.
// actorID is the authenticated caller, or empty for an anonymous batch. When set, every
// item must belong to the caller. An anonymous batch may only register new accounts, replay
// a registration with the same credential, and write for accounts applied earlier in the
// same batch.
//
// The response always carries one status per submitted item. A storage failure that is
// not attributable to a single item rolls back that kind and marks all its items
// internal_error, leaving the other kinds untouched.
func (s *Service) ProcessSyncBatch(ctx context.Context, actorID string, req *SyncBatchRequest) (*SyncBatchResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil {
		req = &SyncBatchRequest{}
	}

	start := s.stageStart()
	resp := &SyncBatchResponse{Success: true, Statuses: make(map[string][]ItemStatus, len(KindOrder))}
	total := req.Len()
	if total == 0 {
		return resp, nil
	}

	s.logger.Info("Processing sync batch", "actor_id", actorID, "items", total)

	if limit := s.config.MaxBatchItems; limit > 0 && total > limit {
		err := fmt.Errorf("batch of %d items exceeds limit %d", total, limit)
		for _, kind := range KindOrder {
			for _, id := range req.ids(kind) {
				resp.Statuses[kind] = append(resp.Statuses[kind], statusInvalidOther(id, ReasonBatchTooLarge, err))
			}
		}
		resp.Success = false
		return resp, nil
	}

	summary := BatchSummary{Applied: map[string]int{}, Invalid: map[string]int{}}
	registered := make(map[string]bool)
	for _, kind := range KindOrder {
		ids := req.ids(kind)
		if len(ids) == 0 {
			continue
		}

		kindStart := s.stageStart()
		statuses, err := s.applyKind(ctx, actorID, kind, req, registered)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Error("Kind rolled back", "kind", kind, "items", len(ids), "error", err)
			statuses = make([]ItemStatus, len(ids))
			for i, id := range ids {
				statuses[i] = statusInternalError(id, fmt.Errorf("%s rolled back: %w", kind, err))
			}
		}
		s.observeStage(ctx, MetricsOpSyncBatch, MetricsStageApply, kind, kindStart, len(ids), 1, err != nil)

		resp.Statuses[kind] = statuses
		recordItemStatuses(kind, statuses)
		for _, st := range statuses {
			if st.Status == StApplied {
				summary.Applied[kind]++
			} else {
				summary.Invalid[kind]++
				resp.Success = false
			}
		}
		if kind == KindUsers {
			for _, st := range statuses {
				if st.Status == StApplied {
					registered[st.ID] = true
				}
			}
		}
		if kind == KindListingStatus {
			for _, st := range statuses {
				if st.Status == StApplied {
					s.publish(ctx, newEvent(EventListingClosed, st.ID, actorID, st.Row))
				}
			}
		}
	}

	s.observeStage(ctx, MetricsOpSyncBatch, MetricsStageTotal, "", start, total, 1, !resp.Success)
	s.publish(ctx, newEvent(EventSyncBatchApplied, "", actorID, summary))
	s.logger.Info("Sync batch processed", "actor_id", actorID, "items", total, "success", resp.Success)
	return resp, nil
}

func (s *Service) applyKind(ctx context.Context, actorID, kind string, req *SyncBatchRequest, registered map[string]bool) ([]ItemStatus, error) {
	switch kind {
	case KindUsers:
		return s.applyUsers(ctx, actorID, req.Users)
	case KindListings:
		return s.applyListings(ctx, actorID, req.Listings, registered)
	case KindListingStatus:
		return s.applyListingStatus(ctx, actorID, req.ListingStatus, registered)
	case KindMessages:
		return s.applyMessages(ctx, actorID, req.Messages, registered)
	case KindGallery:
		return s.applyGallery(ctx, req.Gallery)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// writesFor checks that the caller may write on behalf of owner. Anonymous callers may only
// write for accounts registered by the same batch.
func writesFor(actorID, owner string, registered map[string]bool) error {
	switch {
	case actorID != "" && owner != actorID:
		return fmt.Errorf("%w: cannot write for user %s", ErrForbidden, owner)
	case actorID == "" && !registered[owner]:
		return fmt.Errorf("%w: anonymous batch cannot write for user %s", ErrForbidden, owner)
	}
	return nil
}

// invalidFromError maps a validation or ownership error to an invalid status
func invalidFromError(id string, err error) ItemStatus {
	if errors.Is(err, ErrForbidden) {
		return statusInvalidOther(id, ReasonForbidden, err)
	}
	return statusInvalidOther(id, ReasonBadPayload, err)
}

func (s *Service) applyUsers(ctx context.Context, actorID string, users []User) ([]ItemStatus, error) {
	var statuses []ItemStatus
	err := s.runTx(ctx, func(tx pgx.Tx, attempt int) error {
		statuses = make([]ItemStatus, len(users))
		for i := range users {
			u := users[i]
			if err := ValidateUser(&u); err != nil {
				statuses[i] = invalidFromError(users[i].ID, err)
				continue
			}
			if actorID != "" && u.ID != actorID {
				statuses[i] = statusInvalidOther(u.ID, ReasonForbidden, fmt.Errorf("%w: cannot write user %s", ErrForbidden, u.ID))
				continue
			}
			st, err := s.applyWithSavepoint(ctx, tx, u.ID, func() (any, error) {
				return upsertUser(ctx, tx, actorID, &u)
			})
			if err != nil {
				return err
			}
			statuses[i] = st
		}
		return nil
	})
	return statuses, err
}

func (s *Service) applyListings(ctx context.Context, actorID string, listings []Listing, registered map[string]bool) ([]ItemStatus, error) {
	var statuses []ItemStatus
	err := s.runTx(ctx, func(tx pgx.Tx, attempt int) error {
		statuses = make([]ItemStatus, len(listings))
		valid := make([]*Listing, len(listings))
		refs := make(map[int][]reference)

		validateStart := s.stageStart()
		for i := range listings {
			l := listings[i]
			if err := ValidateListing(&l); err != nil {
				statuses[i] = invalidFromError(listings[i].ID, err)
				continue
			}
			if err := writesFor(actorID, l.UserID, registered); err != nil {
				statuses[i] = statusInvalidOther(l.ID, ReasonForbidden, fmt.Errorf("listing %s: %w", l.ID, err))
				continue
			}
			valid[i] = &l
			refs[i] = []reference{{table: "users", id: l.UserID}}
		}
		s.observeStage(ctx, MetricsOpSyncBatch, MetricsStageValidate, KindListings, validateStart, len(listings), attempt, false)

		precheckStart := s.stageStart()
		missing := s.missingReferences(ctx, tx, refs)
		s.observeStage(ctx, MetricsOpSyncBatch, MetricsStageFKPrecheck, KindListings, precheckStart, len(refs), attempt, false)

		for i, l := range valid {
			if l == nil {
				continue
			}
			if st, blocked := blockedByPrecheck(l.ID, missing[i]); blocked {
				statuses[i] = st
				continue
			}
			st, err := s.applyWithSavepoint(ctx, tx, l.ID, func() (any, error) {
				return upsertListing(ctx, tx, l)
			})
			if err != nil {
				return err
			}
			statuses[i] = st
		}
		return nil
	})
	return statuses, err
}

func (s *Service) applyListingStatus(ctx context.Context, actorID string, updates []ListingStatusUpdate, registered map[string]bool) ([]ItemStatus, error) {
	var statuses []ItemStatus
	err := s.runTx(ctx, func(tx pgx.Tx, attempt int) error {
		statuses = make([]ItemStatus, len(updates))
		for i := range updates {
			u := updates[i]
			if err := ValidateListingStatus(&u); err != nil {
				statuses[i] = invalidFromError(updates[i].ID, err)
				continue
			}
			actor := actorID
			if actor == "" {
				owner, err := listingOwner(ctx, tx, u.ID)
				if err != nil {
					return err
				}
				// an unknown listing falls through to closeListing and is reported missing
				if owner != "" {
					if err := writesFor("", owner, registered); err != nil {
						statuses[i] = statusInvalidOther(u.ID, ReasonForbidden, fmt.Errorf("listing %s: %w", u.ID, err))
						continue
					}
					actor = owner
				}
			}
			st, err := s.applyWithSavepoint(ctx, tx, u.ID, func() (any, error) {
				return closeListing(ctx, tx, actor, u.ID)
			})
			if err != nil {
				return err
			}
			statuses[i] = st
		}
		return nil
	})
	return statuses, err
}

func (s *Service) applyMessages(ctx context.Context, actorID string, messages []Message, registered map[string]bool) ([]ItemStatus, error) {
	var statuses []ItemStatus
	err := s.runTx(ctx, func(tx pgx.Tx, attempt int) error {
		statuses = make([]ItemStatus, len(messages))
		valid := make([]*Message, len(messages))
		refs := make(map[int][]reference)

		for i := range messages {
			m := messages[i]
			if err := ValidateMessage(&m); err != nil {
				statuses[i] = invalidFromError(messages[i].ID, err)
				continue
			}
			if err := writesFor(actorID, m.SenderID, registered); err != nil {
				statuses[i] = statusInvalidOther(m.ID, ReasonForbidden, fmt.Errorf("message %s: %w", m.ID, err))
				continue
			}
			valid[i] = &m
			refs[i] = []reference{
				{table: "listings", id: m.ListingID},
				{table: "users", id: m.SenderID},
				{table: "users", id: m.ReceiverID},
			}
		}

		precheckStart := s.stageStart()
		missing := s.missingReferences(ctx, tx, refs)
		s.observeStage(ctx, MetricsOpSyncBatch, MetricsStageFKPrecheck, KindMessages, precheckStart, len(refs), attempt, false)

		for i, m := range valid {
			if m == nil {
				continue
			}
			if st, blocked := blockedByPrecheck(m.ID, missing[i]); blocked {
				statuses[i] = st
				continue
			}
			st, err := s.applyWithSavepoint(ctx, tx, m.ID, func() (any, error) {
				return upsertMessage(ctx, tx, m)
			})
			if err != nil {
				return err
			}
			statuses[i] = st
		}
		return nil
	})
	return statuses, err
}

func (s *Service) applyGallery(ctx context.Context, items []GalleryItem) ([]ItemStatus, error) {
	var statuses []ItemStatus
	err := s.runTx(ctx, func(tx pgx.Tx, attempt int) error {
		statuses = make([]ItemStatus, len(items))
		for i := range items {
			g := items[i]
			if err := ValidateGalleryItem(&g); err != nil {
				statuses[i] = invalidFromError(items[i].ID, err)
				continue
			}
			st, err := s.applyWithSavepoint(ctx, tx, g.ID, func() (any, error) {
				return upsertGalleryItem(ctx, tx, &g)
			})
			if err != nil {
				return err
			}
			statuses[i] = st
		}
		return nil
	})
	return statuses, err
}

// blockedByPrecheck turns precheck findings into a status for the item, if any
func blockedByPrecheck(id string, missing []string) (ItemStatus, bool) {
	switch {
	case len(missing) == 0:
		return ItemStatus{}, false
	case len(missing) == 1 && missing[0] == ReasonPrecheckError:
		return statusInvalidOther(id, ReasonPrecheckError, errors.New("reference check failed")), true
	default:
		return statusInvalidFKMissing(id, missing), true
	}
}
