package storage

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"homgard/internal/codec"
	"homgard/internal/homgar"
	"homgard/internal/state"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "homgard.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	loaded, err := s.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded != nil {
		t.Fatal("fresh store should have no session")
	}

	sess := &homgar.SessionState{
		Email:     "user@example.com",
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err = s.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded == nil || loaded.Token != "tok-1" || loaded.Email != "user@example.com" {
		t.Errorf("loaded session = %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("expiry changed: %v vs %v", loaded.ExpiresAt, sess.ExpiresAt)
	}
}

func TestReadingRoundTripRestoresConcreteType(t *testing.T) {
	s := newTestStorage(t)

	moisture := 42
	temp := 18.5
	reading := &codec.SoilReading{Moisture: &moisture, TempC: &temp}
	if err := s.SaveReading("100/2", reading.Kind(), reading); err != nil {
		t.Fatalf("SaveReading: %v", err)
	}

	restored, err := s.LoadReadings()
	if err != nil {
		t.Fatalf("LoadReadings: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(restored))
	}
	r := restored[0]
	if r.DeviceID != "100/2" || r.Kind != "soil" {
		t.Errorf("unexpected record %+v", r)
	}
	if !reflect.DeepEqual(r.Reading, reading) {
		t.Errorf("reading = %+v, want %+v", r.Reading, reading)
	}
	if r.UpdatedAt.IsZero() {
		t.Error("updatedAt should be set")
	}
}

func TestSaveReadingOverwrites(t *testing.T) {
	s := newTestStorage(t)

	m1, m2 := 42, 55
	s.SaveReading("100/2", "soil", &codec.SoilReading{Moisture: &m1})
	s.SaveReading("100/2", "soil", &codec.SoilReading{Moisture: &m2})

	restored, err := s.LoadReadings()
	if err != nil {
		t.Fatalf("LoadReadings: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 reading after overwrite, got %d", len(restored))
	}
	soil := restored[0].Reading.(*codec.SoilReading)
	if *soil.Moisture != 55 {
		t.Errorf("moisture = %d, want 55", *soil.Moisture)
	}
}

func TestUnknownReportLatestPerModel(t *testing.T) {
	s := newTestStorage(t)

	base := time.Now().Truncate(time.Second)
	s.SaveUnknownReport(state.UnknownReport{DeviceID: "100/5", ModelCode: 999, RawValue: "10#aa", At: base})
	s.SaveUnknownReport(state.UnknownReport{DeviceID: "100/5", ModelCode: 999, RawValue: "10#bb", At: base.Add(time.Minute)})
	s.SaveUnknownReport(state.UnknownReport{DeviceID: "200/3", ModelCode: 777, RawValue: "10#cc", At: base.Add(2 * time.Minute)})

	reports, err := s.UnknownReports()
	if err != nil {
		t.Fatalf("UnknownReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected one report per model code, got %d", len(reports))
	}
	if reports[0].ModelCode != 777 {
		t.Errorf("expected newest first, got model %d", reports[0].ModelCode)
	}
	for _, rep := range reports {
		if rep.ModelCode == 999 && rep.RawValue != "10#bb" {
			t.Errorf("model 999 should keep the latest payload, got %q", rep.RawValue)
		}
	}
}

func TestReadingsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homgard.db")

	s, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	moisture := 42
	s.SaveReading("100/2", "soil", &codec.SoilReading{Moisture: &moisture})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	restored, err := s2.LoadReadings()
	if err != nil {
		t.Fatalf("LoadReadings: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected persisted reading after reopen, got %d", len(restored))
	}
}
