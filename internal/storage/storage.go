// Package storage persists the small amount of state that must survive
// a restart: the cloud session token, the last-known decoded reading
// per device, and unknown-device diagnostic reports.
package storage

import (
	"time"

	"homgard/internal/codec"
	"homgard/internal/homgar"
	"homgard/internal/state"
)

// RestoredReading is one persisted reading decoded back into its
// concrete type.
type RestoredReading struct {
	DeviceID  string
	Kind      string
	Reading   codec.Reading
	UpdatedAt time.Time
}

// Storage is the persistence interface the engine wires together. It
// doubles as the session token cache and the reading store.
type Storage interface {
	// Session token cache

	LoadSession() (*homgar.SessionState, error)
	SaveSession(s *homgar.SessionState) error

	// Last-known readings

	SaveReading(deviceID, kind string, reading codec.Reading) error
	LoadReadings() ([]RestoredReading, error)

	// Unknown-device reports, latest per model code

	SaveUnknownReport(rep state.UnknownReport) error
	UnknownReports() ([]state.UnknownReport, error)

	// Close closes the storage
	Close() error
}
