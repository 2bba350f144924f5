// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// reference is a parent row an item depends on
type reference struct {
	table string // "users" or "listings"
	id    string
}

func (r reference) label() string {
	return r.table + ":" + r.id
}

// referencedTables are the only parents the precheck ever queries
var referencedTables = map[string]bool{"users": true, "listings": true}

// missingReferences resolves all references of a kind with one query per parent table and
// returns, per item index, the labels of parents that do not exist. An index mapped to
// []string{ReasonPrecheckError} could not be checked.
func (s *Service) missingReferences(ctx context.Context, tx pgx.Tx, refs map[int][]reference) map[int][]string {
	if len(refs) == 0 {
		return nil
	}

	values := make(map[string]map[string]struct{})
	for _, list := range refs {
		for _, ref := range list {
			if values[ref.table] == nil {
				values[ref.table] = make(map[string]struct{})
			}
			values[ref.table][ref.id] = struct{}{}
		}
	}

	const chunkSize = 1000
	existing := make(map[string]map[string]struct{}, len(values))
	failed := make(map[string]bool)
	for table, set := range values {
		if !referencedTables[table] {
			failed[table] = true
			continue
		}
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		found := make(map[string]struct{}, len(vals))
		for start := 0; start < len(vals); start += chunkSize {
			end := min(start+chunkSize, len(vals))
			if err := s.collectExisting(ctx, tx, table, vals[start:end], found); err != nil {
				s.logger.Error("FK precheck batch failed", "error", err, "parent", table)
				failed[table] = true
				break
			}
		}
		existing[table] = found
	}

	missingByIdx := make(map[int][]string)
	for idx, list := range refs {
		for _, ref := range list {
			if failed[ref.table] {
				missingByIdx[idx] = []string{ReasonPrecheckError}
				break
			}
			if _, ok := existing[ref.table][ref.id]; !ok {
				missingByIdx[idx] = append(missingByIdx[idx], ref.label())
			}
		}
	}
	return missingByIdx
}

func (s *Service) collectExisting(ctx context.Context, tx pgx.Tx, table string, vals []string, found map[string]struct{}) error {
	query := fmt.Sprintf(`SELECT id::text FROM %s WHERE id::text = ANY(@vals::text[])`, pgx.Identifier{table}.Sanitize())
	rows, err := tx.Query(ctx, query, pgx.NamedArgs{"vals": vals})
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		found[v] = struct{}{}
	}
	return rows.Err()
}
