// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

// Entity kinds carried by a reconciliation batch, in application order
const (
	KindUsers         = "users"
	KindListings      = "listings"
	KindListingStatus = "listing_status"
	KindMessages      = "messages"
	KindGallery       = "gallery"
)

// KindOrder is the parent-first order in which batch kinds are applied
var KindOrder = []string{KindUsers, KindListings, KindListingStatus, KindMessages, KindGallery}

// Status constants for reconciled items
const (
	StApplied = "applied"
	StInvalid = "invalid"
)

// Invalid reason constants
const (
	ReasonFKMissing       = "fk_missing"
	ReasonBadPayload      = "bad_payload"
	ReasonUniqueViolation = "unique_violation"
	ReasonForbidden       = "forbidden"
	ReasonPrecheckError   = "precheck_error"
	ReasonInternalError   = "internal_error"
	ReasonBatchTooLarge   = "batch_too_large"
)

// Listing lifecycle
const (
	ListingOpen   = "open"
	ListingClosed = "closed"
)

// Listing types
const (
	ListingOffer   = "offer"
	ListingRequest = "request"
)

// Message types
const (
	MessageContact = "contact"
	MessageChat    = "chat"
	MessageDeal    = "deal"
	MessageRefuse  = "refuse"
)

// Categories is the catalogue of listing categories
var Categories = []string{
	"échange de main d'oeuvre",
	"prêt de terrains",
	"animaux",
	"plantes",
	"dons",
	"outils",
}
