package store

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := &Snapshot{
		Token:        "abc",
		CreatedAt:    now.Add(-time.Hour),
		LastActive:   now,
		Vars:         map[string]any{"count": float64(3), "name": "zoe"},
		StateVersion: 17,
	}

	data, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if s.Format != SnapshotFormat {
		t.Errorf("Format = %d, want stamped to %d", s.Format, SnapshotFormat)
	}

	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if got.Token != "abc" || got.StateVersion != 17 {
		t.Errorf("decoded = %+v", got)
	}
	if got.Vars["count"] != float64(3) || got.Vars["name"] != "zoe" {
		t.Errorf("vars = %v", got.Vars)
	}
	if !got.LastActive.Equal(now) {
		t.Errorf("LastActive = %v, want %v", got.LastActive, now)
	}
}

func TestDecodeSnapshotRejectsNewerFormat(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"token":"x","format":99}`))
	if err == nil || !strings.Contains(err.Error(), "newer") {
		t.Errorf("err = %v, want newer-format rejection", err)
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot([]byte("{nope")); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}
