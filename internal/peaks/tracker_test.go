package peaks

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTracker_InFlight(t *testing.T) {
	tr := NewTracker()
	tr.Begin("a")
	tr.Begin("a")
	tr.Begin("b")
	if tr.InFlight() != 3 {
		t.Errorf("Expected 3 writers, got %d", tr.InFlight())
	}
	tr.End("a")
	tr.End("b")
	tr.End("b")
	if tr.InFlight() != 1 {
		t.Errorf("Expected 1 writer, got %d", tr.InFlight())
	}
}

func TestTracker_WriteAndClose(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker()
	p := PeakPath(filepath.Join(dir, "peaks"), "/media/take1.wav", 0)

	if filepath.Base(p) != "take1%A.peak" {
		t.Errorf("Unexpected peak file name %s", filepath.Base(p))
	}
	if err := tr.Write(p, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if tr.InFlight() != 0 {
		t.Errorf("Expected no writers after Write, got %d", tr.InFlight())
	}
	tr.CloseAll()

	data, err := os.ReadFile(p)
	if err != nil || len(data) != 3 {
		t.Errorf("Peak file not written: %v %v", data, err)
	}
}
