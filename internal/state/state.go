// Package state caches the last known decoded reading per device and
// turns raw snapshots into change events. It is the single writer of
// device state; everything downstream (host API, event stream) reads
// through it.
package state

import (
	"fmt"
	"time"

	"homgard/internal/codec"
	"homgard/internal/homgar"
)

// DeviceID builds the stable identifier for a device: the hub membership
// id plus the RF slot, which survives renames and re-pairing.
func DeviceID(mid int64, addr int) string {
	return fmt.Sprintf("%d/%d", mid, addr)
}

// RawRecord is one device's undecoded record inside a snapshot.
type RawRecord struct {
	DeviceID string
	Device   homgar.Device
	Value    string // opaque status value as received
}

// Snapshot is one full poll result: one raw record per reporting device.
type Snapshot struct {
	Taken   time.Time
	Records []RawRecord
}

// ChangeEvent notifies downstream consumers that a device's decoded
// reading differs from its previously known value.
type ChangeEvent struct {
	DeviceID  string        `json:"deviceId"`
	Name      string        `json:"name"`
	ModelCode int           `json:"modelCode"`
	Kind      string        `json:"kind"`
	Reading   codec.Reading `json:"reading"`
	At        time.Time     `json:"at"`
}

// UnknownReport is a diagnostic record for a model code without a
// registered decoder. The raw payload is kept intact so a decoder can be
// written from it later.
type UnknownReport struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	ModelCode int       `json:"modelCode"`
	RawValue  string    `json:"rawValue"`
	At        time.Time `json:"at"`
}

// DeviceView is a read-only copy of one device's cached state.
type DeviceView struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Model      string        `json:"model"`
	ModelCode  int           `json:"modelCode"`
	IsHub      bool          `json:"isHub"`
	HubID      string        `json:"hubId,omitempty"`
	RSSI       *int          `json:"rssi,omitempty"`
	Reading    codec.Reading `json:"reading,omitempty"`
	Stale      bool          `json:"stale"`
	LastSeen   time.Time     `json:"lastSeen"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	MissedPoll int           `json:"missedPolls"`
}

// deviceState is the internal mutable record per device.
type deviceState struct {
	device    homgar.Device
	reading   codec.Reading
	rssi      *int
	lastSeen  time.Time
	updatedAt time.Time
	missed    int
	stale     bool
}
