package state

import (
	"errors"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"homgard/internal/codec"
	"homgard/internal/homgar"
)

// DefaultStaleAfter is how many consecutive snapshots a device may be
// absent from before it is marked stale. The vendor occasionally drops a
// device from one snapshot without it actually being offline.
const DefaultStaleAfter = 3

// ReadingStore persists last-known readings so a restart does not replay
// unchanged state as change events. Implemented by the storage package;
// may be nil.
type ReadingStore interface {
	SaveReading(deviceID, kind string, reading codec.Reading) error
}

// Reconciler diffs decoded snapshots against cached device state and
// emits only genuine changes. Apply is the single writer; concurrent
// readers see either the state before or after a full snapshot, never a
// half-applied one.
type Reconciler struct {
	mu         sync.RWMutex
	registry   *codec.Registry
	logger     *log.Logger
	staleAfter int
	store      ReadingStore
	devices    map[string]*deviceState

	// OnUnknown receives records whose model code has no decoder.
	// Called synchronously from Apply; must not block. May be nil.
	OnUnknown func(UnknownReport)

	// OnStale receives the view of a device at the moment it crosses
	// the miss threshold. Same calling rules as OnUnknown. May be nil.
	OnStale func(DeviceView)
}

// NewReconciler creates a reconciler. store may be nil for an in-memory
// engine; staleAfter <= 0 selects the default.
func NewReconciler(registry *codec.Registry, store ReadingStore, staleAfter int, logger *log.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		registry:   registry,
		logger:     logger,
		staleAfter: staleAfter,
		store:      store,
		devices:    make(map[string]*deviceState),
	}
}

// Restore seeds a device's last-known reading from persistence, without
// emitting events. Called before the first Apply.
func (r *Reconciler) Restore(deviceID string, reading codec.Reading, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds := r.devices[deviceID]
	if ds == nil {
		ds = &deviceState{}
		r.devices[deviceID] = ds
	}
	ds.reading = reading
	ds.updatedAt = updatedAt
}

// Apply reconciles one snapshot and returns the change events it caused.
// Decode failures affect only their own device: a malformed payload is
// logged and skipped, an unknown model code is routed to OnUnknown, and
// the rest of the snapshot proceeds either way.
func (r *Reconciler) Apply(snap Snapshot) []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []ChangeEvent
	seen := make(map[string]bool, len(snap.Records))

	for _, rec := range snap.Records {
		seen[rec.DeviceID] = true

		ds := r.devices[rec.DeviceID]
		if ds == nil {
			ds = &deviceState{}
			r.devices[rec.DeviceID] = ds
			if r.logger != nil {
				r.logger.Printf("[State] New device %s (%s, model %d)", rec.DeviceID, rec.Device.Name, rec.Device.ModelCode)
			}
		}
		ds.device = rec.Device
		ds.lastSeen = snap.Taken
		ds.missed = 0
		ds.stale = false

		sv := codec.SplitValue(rec.Value)
		if sv.RSSI != nil {
			ds.rssi = sv.RSSI
		}

		reading, err := r.registry.Decode(rec.Device.ModelCode, []byte(sv.Device))
		if err != nil {
			r.handleDecodeError(rec, snap.Taken, err)
			continue
		}

		if ds.reading != nil && reflect.DeepEqual(ds.reading, reading) {
			continue // value-level no-op, do not flood downstream
		}
		ds.reading = reading
		ds.updatedAt = snap.Taken
		changes = append(changes, ChangeEvent{
			DeviceID:  rec.DeviceID,
			Name:      rec.Device.Name,
			ModelCode: rec.Device.ModelCode,
			Kind:      reading.Kind(),
			Reading:   reading,
			At:        snap.Taken,
		})
		if r.store != nil {
			if err := r.store.SaveReading(rec.DeviceID, reading.Kind(), reading); err != nil && r.logger != nil {
				r.logger.Printf("[State] Failed to persist reading for %s: %v", rec.DeviceID, err)
			}
		}
	}

	// Devices absent from this snapshot accumulate misses; they are
	// marked stale after the threshold but never removed.
	for id, ds := range r.devices {
		if seen[id] {
			continue
		}
		ds.missed++
		if ds.missed >= r.staleAfter && !ds.stale {
			ds.stale = true
			if r.logger != nil {
				r.logger.Printf("[State] Device %s missing from %d consecutive snapshots, marking stale", id, ds.missed)
			}
			if r.OnStale != nil {
				r.OnStale(r.viewLocked(id, ds))
			}
		}
	}

	return changes
}

// handleDecodeError classifies a per-device decode failure. Caller holds
// the write lock.
func (r *Reconciler) handleDecodeError(rec RawRecord, at time.Time, err error) {
	if errors.Is(err, codec.ErrUnknownModel) {
		if r.logger != nil {
			r.logger.Printf("[State] Unknown model %d for %s (%s), raw %q", rec.Device.ModelCode, rec.DeviceID, rec.Device.Name, rec.Value)
		}
		if r.OnUnknown != nil {
			r.OnUnknown(UnknownReport{
				DeviceID:  rec.DeviceID,
				Name:      rec.Device.Name,
				ModelCode: rec.Device.ModelCode,
				RawValue:  rec.Value,
				At:        at,
			})
		}
		return
	}

	var malformed *codec.MalformedError
	if errors.As(err, &malformed) {
		// The device keeps its previous reading for this cycle.
		if r.logger != nil {
			r.logger.Printf("[State] Malformed payload for %s (model %d): %s, raw %q", rec.DeviceID, rec.Device.ModelCode, malformed.Reason, malformed.Raw)
		}
		return
	}

	if r.logger != nil {
		r.logger.Printf("[State] Decode failed for %s: %v", rec.DeviceID, err)
	}
}

// Devices returns a stable-ordered view of all known devices.
func (r *Reconciler) Devices() []DeviceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]DeviceView, 0, len(r.devices))
	for id, ds := range r.devices {
		views = append(views, r.viewLocked(id, ds))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Device returns the view of one device.
func (r *Reconciler) Device(id string) (DeviceView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, ok := r.devices[id]
	if !ok {
		return DeviceView{}, false
	}
	return r.viewLocked(id, ds), true
}

// Meta returns the cloud metadata for one device, used when building
// commands for it.
func (r *Reconciler) Meta(id string) (homgar.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, exists := r.devices[id]
	if !exists {
		return homgar.Device{}, false
	}
	return ds.device, true
}

func (r *Reconciler) viewLocked(id string, ds *deviceState) DeviceView {
	v := DeviceView{
		ID:         id,
		Name:       ds.device.Name,
		Model:      ds.device.Model,
		ModelCode:  ds.device.ModelCode,
		IsHub:      ds.device.Addr == 1,
		RSSI:       ds.rssi,
		Reading:    ds.reading,
		Stale:      ds.stale,
		LastSeen:   ds.lastSeen,
		UpdatedAt:  ds.updatedAt,
		MissedPoll: ds.missed,
	}
	if !v.IsHub {
		v.HubID = DeviceID(ds.device.MID, 1)
	}
	return v
}
