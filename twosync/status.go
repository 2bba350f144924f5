// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"encoding/json"
)

// statusApplied creates a status for a successfully applied item with its authoritative row
func statusApplied(id string, row any) ItemStatus {
	st := ItemStatus{ID: id, Status: StApplied}
	if row != nil {
		if b, err := json.Marshal(row); err == nil {
			st.Row = b
		}
	}
	return st
}

// statusInvalidFKMissing creates a status for dangling references
func statusInvalidFKMissing(id string, missing []string) ItemStatus {
	return ItemStatus{
		ID:      id,
		Status:  StInvalid,
		Reason:  ReasonFKMissing,
		Message: "referenced entities do not exist",
		Missing: missing,
	}
}

// statusInvalidOther creates a status for other validation failures
func statusInvalidOther(id, reason string, err error) ItemStatus {
	st := ItemStatus{ID: id, Status: StInvalid, Reason: reason}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}

// statusInternalError creates a status for a kind that was rolled back
func statusInternalError(id string, err error) ItemStatus {
	return statusInvalidOther(id, ReasonInternalError, err)
}

// IsPermanent reports whether an invalid status must not be retried.
// fk_missing, precheck_error, internal_error and batch_too_large can succeed on a later attempt.
func IsPermanent(st ItemStatus) bool {
	if st.Status != StInvalid {
		return false
	}
	switch st.Reason {
	case ReasonBadPayload, ReasonUniqueViolation, ReasonForbidden:
		return true
	default:
		return false
	}
}
