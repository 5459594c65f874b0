package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"subframeselector/pkg/subframe"
)

func sampleMetrics() subframe.QualityMetrics {
	return subframe.QualityMetrics{
		FWHM: 2.75, FWHMMeanDev: 0.125, Eccentricity: 0.42, EccentricityMeanDev: 0.05,
		SNRWeight: 12.5, Median: 0.1, MedianMeanDev: 0.01, Noise: 0.002, NoiseRatio: 0.7,
		Stars: 150, StarResidual: 0.03, StarResidualMeanDev: 0.004,
	}
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache", "subframes.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	frame := filepath.Join(dir, "frame.fits")
	if err := os.WriteFile(frame, []byte("subframe"), 0o644); err != nil {
		t.Fatal(err)
	}
	return s, frame
}

func TestRecordRoundTrip(t *testing.T) {
	rec := NewRecord(sampleMetrics())
	text := rec.Encode()
	if !strings.HasPrefix(text, "cacheVersion\n1\n") {
		t.Errorf("unexpected encoding prefix %q", text[:20])
	}
	got, err := DecodeRecord(text)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got != rec {
		t.Errorf("round trip changed the record:\n got %+v\nwant %+v", got, rec)
	}
	if !got.Valid() {
		t.Error("round tripped record must be valid")
	}
}

func TestRecordSchemaGuard(t *testing.T) {
	rec := NewRecord(sampleMetrics())

	old := rec
	old.Version = Version + 1
	if decoded, _ := DecodeRecord(old.Encode()); decoded.Valid() {
		t.Error("a record with another version must be invalid")
	}

	// Drop the noise pair: the field stays at its unset sentinel.
	text := strings.Replace(rec.Encode(), "noise\n0.002\n", "", 1)
	decoded, err := DecodeRecord(text)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if decoded.Valid() {
		t.Error("a record with a missing field must be invalid")
	}

	if _, err := DecodeRecord("cacheVersion\n"); err == nil {
		t.Error("expected an error for a dangling key")
	}
	if _, err := DecodeRecord("fwhm\nabc\n"); err == nil {
		t.Error("expected an error for a malformed value")
	}
}

func TestRecordKeepsZeroMeasurements(t *testing.T) {
	q := sampleMetrics()
	q.Eccentricity, q.EccentricityMeanDev, q.FWHMMeanDev = 0, 0, 0
	decoded, err := DecodeRecord(NewRecord(q).Encode())
	if err != nil || !decoded.Valid() {
		t.Fatalf("zero valued measurements must be cacheable: %v", err)
	}
}

func TestStoreGetPut(t *testing.T) {
	s, frame := openStore(t)
	if !s.IsEnabled() {
		t.Fatal("opened store must be enabled")
	}
	if _, ok := s.Get(frame); ok {
		t.Fatal("empty cache must miss")
	}
	rec := NewRecord(sampleMetrics())
	if err := s.Put(frame, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get(frame)
	if !ok || got != rec {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	// Relative and absolute spellings share one entry.
	wd, _ := os.Getwd()
	if rel, err := filepath.Rel(wd, frame); err == nil {
		if _, ok := s.Get(rel); !ok {
			t.Error("relative path must hit the absolute entry")
		}
	}

	if n, err := s.Load(); err != nil || n != 1 {
		t.Errorf("Load = %d, %v", n, err)
	}
	if err := s.Save(); err != nil {
		t.Errorf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Get(frame); ok {
		t.Error("cleared cache must miss")
	}
}

func TestStoreInvalidatesModifiedFile(t *testing.T) {
	s, frame := openStore(t)
	if err := s.Put(frame, NewRecord(sampleMetrics())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.WriteFile(frame, []byte("a different subframe"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(frame); ok {
		t.Error("a modified file must miss")
	}
}

func TestStoreRejectsInvalidRecord(t *testing.T) {
	s, frame := openStore(t)
	rec := NewRecord(sampleMetrics())
	rec.Version = 0
	if err := s.Put(frame, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := s.Get(frame); ok {
		t.Error("a record with a foreign version must miss")
	}
}

func TestStorePrunesExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"), 24*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	frame := filepath.Join(dir, "frame.fits")
	if err := os.WriteFile(frame, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	if err := s.Put(frame, NewRecord(sampleMetrics())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.now = func() time.Time { return now }
	if n, err := s.Load(); err != nil || n != 0 {
		t.Errorf("expected the expired entry to be pruned, Load = %d, %v", n, err)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	frame := filepath.Join(dir, "frame.fits")
	if err := os.WriteFile(frame, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	rec := NewRecord(sampleMetrics())
	if err := s.Put(frame, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, ok := s.Get(frame); !ok || got != rec {
		t.Errorf("record lost across reopen: %+v, %v", got, ok)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	var s *Store
	if s.IsEnabled() {
		t.Error("nil store must be disabled")
	}
	if _, ok := s.Get("x"); ok {
		t.Error("nil store must miss")
	}
	if err := s.Put("x", Record{}); err != nil {
		t.Error(err)
	}
	if n, err := s.Load(); n != 0 || err != nil {
		t.Error("nil Load must be a no-op")
	}
	if s.Save() != nil || s.Clear() != nil || s.Close() != nil {
		t.Error("nil store methods must not fail")
	}
}
