package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"homgard/internal/codec"
	"homgard/internal/homgar"
	"homgard/internal/state"
)

const (
	// sessionBucket stores the cloud session token cache
	sessionBucket = "_session"

	// readingsBucket stores the last-known reading per device
	readingsBucket = "_readings"

	// unknownBucket stores unknown-device reports keyed by model code
	unknownBucket = "_unknown"

	sessionKey = "current"
)

// storedReading is the on-disk shape of a reading. The kind selects the
// concrete type on reload.
type storedReading struct {
	Kind      string          `json:"kind"`
	Reading   json.RawMessage `json:"reading"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BoltStorage is a bbolt implementation of the Storage interface.
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance.
// The database file will be created if it doesn't exist.
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionBucket, readingsBucket, unknownBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Session token cache

// LoadSession returns the cached cloud session, or nil when none is
// stored yet.
func (s *BoltStorage) LoadSession() (*homgar.SessionState, error) {
	var sess *homgar.SessionState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionBucket)).Get([]byte(sessionKey))
		if data == nil {
			return nil
		}
		sess = &homgar.SessionState{}
		if err := json.Unmarshal(data, sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	return sess, err
}

// SaveSession stores the cloud session so a restart can reuse a
// still-valid token.
func (s *BoltStorage) SaveSession(sess *homgar.SessionState) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(sessionKey), data)
	})
}

// Last-known readings

// SaveReading stores one device's decoded reading.
func (s *BoltStorage) SaveReading(deviceID, kind string, reading codec.Reading) error {
	raw, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	data, err := json.Marshal(storedReading{
		Kind:      kind,
		Reading:   raw,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(readingsBucket)).Put([]byte(deviceID), data)
	})
}

// LoadReadings decodes every persisted reading back into its concrete
// type. Records with an unrecognized kind are skipped; a decoder that
// was removed must not keep the whole store from loading.
func (s *BoltStorage) LoadReadings() ([]RestoredReading, error) {
	var restored []RestoredReading
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(readingsBucket)).ForEach(func(k, v []byte) error {
			var sr storedReading
			if err := json.Unmarshal(v, &sr); err != nil {
				return nil // skip corrupted entries
			}
			reading, ok := codec.NewReading(sr.Kind)
			if !ok {
				return nil
			}
			if err := json.Unmarshal(sr.Reading, reading); err != nil {
				return nil
			}
			restored = append(restored, RestoredReading{
				DeviceID:  string(k),
				Kind:      sr.Kind,
				Reading:   reading,
				UpdatedAt: sr.UpdatedAt,
			})
			return nil
		})
	})
	return restored, err
}

// Unknown-device reports

// SaveUnknownReport keeps the latest report per model code; one sample
// payload per model is enough to write a decoder from.
func (s *BoltStorage) SaveUnknownReport(rep state.UnknownReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal unknown report: %w", err)
	}
	key := []byte(fmt.Sprintf("%d", rep.ModelCode))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(unknownBucket)).Put(key, data)
	})
}

// UnknownReports returns all persisted reports, newest first.
func (s *BoltStorage) UnknownReports() ([]state.UnknownReport, error) {
	var reports []state.UnknownReport
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(unknownBucket)).ForEach(func(_, v []byte) error {
			var rep state.UnknownReport
			if err := json.Unmarshal(v, &rep); err != nil {
				return nil // skip corrupted entries
			}
			reports = append(reports, rep)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].At.After(reports[j].At) })
	return reports, nil
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
