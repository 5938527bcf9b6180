package health

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHeartbeatTouchAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat")
	hb := New(path)

	if err := hb.Check(time.Minute); err == nil {
		t.Fatalf("check before first touch should fail")
	}

	if err := hb.Touch(); err != nil {
		t.Fatalf("first touch: %v", err)
	}
	if err := hb.Check(time.Minute); err != nil {
		t.Fatalf("check after touch: %v", err)
	}

	// Age the file past the threshold.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := hb.Check(time.Minute); err == nil {
		t.Fatalf("check of stale heartbeat should fail")
	}

	// Touch must refresh an existing file too.
	if err := hb.Touch(); err != nil {
		t.Fatalf("refresh touch: %v", err)
	}
	if err := hb.Check(time.Minute); err != nil {
		t.Fatalf("check after refresh: %v", err)
	}
}

func TestHeartbeatNilIsNoop(t *testing.T) {
	var hb *Heartbeat
	if err := hb.Touch(); err != nil {
		t.Fatalf("nil heartbeat touch: %v", err)
	}
}
