// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "log/slog"

// DiscardLogger returns a logger that drops everything. Components
// require a non-nil logger; tests that don't assert on log output
// pass this.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
