package state

import "github.com/jmbish04/cfgate/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.SettingsStore = (*SettingsStore)(nil)
var _ types.TelemetryStore = (*TelemetryStore)(nil)
