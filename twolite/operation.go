// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmt94800-wq/twokaj/twosync"
)

// OpKind identifies the payload variant of a queued operation
type OpKind string

const (
	OpCreateUser        OpKind = "CreateUser"
	OpCreateAd          OpKind = "CreateAd"
	OpSendMessage       OpKind = "SendMessage"
	OpUpdateAdStatus    OpKind = "UpdateAdStatus"
	OpCreateGalleryItem OpKind = "CreateGalleryItem"
)

// Operation states
const (
	StatePending = "pending"
	StateFailed  = "failed" // permanently rejected, kept for display
	StateDead    = "dead"   // retry ceiling reached
)

// Operation is one deferred write in the durable queue
type Operation struct {
	Seq           int64      `db:"seq" json:"seq"`
	ID            string     `db:"id" json:"id"`
	Kind          OpKind     `db:"kind" json:"kind"`
	EntityID      string     `db:"entity_id" json:"entity_id"`
	OwnerID       string     `db:"owner_id" json:"owner_id,omitempty"` // account the write is sent as; "" sends it anonymously
	Payload       string     `db:"payload" json:"payload"`
	EnqueuedAt    time.Time  `db:"enqueued_at" json:"enqueued_at"`
	AttemptCount  int        `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	State         string     `db:"state" json:"state"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
}

// NewOperation builds a validated operation for kind. The entity must be the kind's payload
// type: twosync.User, twosync.Listing, twosync.Message, twosync.ListingStatusUpdate or
// twosync.GalleryItem (value or pointer).
func NewOperation(kind OpKind, entity any) (Operation, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: encode %s payload: %v", ErrValidation, kind, err)
	}
	op := Operation{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: string(raw),
		State:   StatePending,
	}
	decoded, err := op.Decode()
	if err != nil {
		return Operation{}, err
	}
	op.EntityID = entityID(decoded)
	// Store the normalized form
	if raw, err = json.Marshal(decoded); err != nil {
		return Operation{}, fmt.Errorf("%w: encode %s payload: %v", ErrValidation, kind, err)
	}
	op.Payload = string(raw)
	return op, nil
}

// Decode parses and validates the payload, returning a pointer to the kind's payload type
func (op Operation) Decode() (any, error) {
	var (
		target   any
		validate func() error
	)
	switch op.Kind {
	case OpCreateUser:
		v := &twosync.User{}
		target, validate = v, func() error { return twosync.ValidateUser(v) }
	case OpCreateAd:
		v := &twosync.Listing{}
		target, validate = v, func() error { return twosync.ValidateListing(v) }
	case OpSendMessage:
		v := &twosync.Message{}
		target, validate = v, func() error { return twosync.ValidateMessage(v) }
	case OpUpdateAdStatus:
		v := &twosync.ListingStatusUpdate{}
		target, validate = v, func() error { return twosync.ValidateListingStatus(v) }
	case OpCreateGalleryItem:
		v := &twosync.GalleryItem{}
		target, validate = v, func() error { return twosync.ValidateGalleryItem(v) }
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrValidation, op.Kind)
	}

	if err := json.Unmarshal([]byte(op.Payload), target); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, op.Kind, err)
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidation, op.Kind, err)
	}
	return target, nil
}

// batchKind is the reconciliation batch section an operation kind is sent in
func (k OpKind) batchKind() string {
	switch k {
	case OpCreateUser:
		return twosync.KindUsers
	case OpCreateAd:
		return twosync.KindListings
	case OpUpdateAdStatus:
		return twosync.KindListingStatus
	case OpSendMessage:
		return twosync.KindMessages
	case OpCreateGalleryItem:
		return twosync.KindGallery
	default:
		return ""
	}
}

func entityID(decoded any) string {
	switch v := decoded.(type) {
	case *twosync.User:
		return v.ID
	case *twosync.Listing:
		return v.ID
	case *twosync.Message:
		return v.ID
	case *twosync.ListingStatusUpdate:
		return v.ID
	case *twosync.GalleryItem:
		return v.ID
	default:
		return ""
	}
}
