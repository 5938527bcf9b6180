package workdir

import (
	"os"
	"testing"
)

func TestAcquireIsolatesJobs(t *testing.T) {
	m := NewManager(t.TempDir())

	dirA, cleanupA, err := m.Acquire(1)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	dirB, cleanupB, err := m.Acquire(1)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if dirA == dirB {
		t.Fatalf("two acquisitions shared a directory")
	}

	cleanupA()
	if _, err := os.Stat(dirA); err == nil {
		t.Fatalf("cleanup left %s behind", dirA)
	}
	if _, err := os.Stat(dirB); err != nil {
		t.Fatalf("cleanup of a removed b's directory: %v", err)
	}
	cleanupB()
}
