// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the on-device cache and queue schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
