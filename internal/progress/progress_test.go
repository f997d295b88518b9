package progress

import (
	"bytes"
	"testing"
	"time"
)

func TestSpinnerStopsCleanly(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, "working", 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if buf.Len() == 0 {
		t.Fatalf("expected at least one tick to be written")
	}
}

func TestSpinnerStopBeforeFirstTick(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, "working", time.Hour)
	s.Stop()
}
