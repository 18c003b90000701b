package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/AgentForge/internal/domain"
)

func TestTrackerReserveIsExclusive(t *testing.T) {
	tr := NewProcessTracker()

	r, err := tr.reserve("t1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := tr.reserve("t1"); !errors.Is(err, domain.ErrTaskRunning) {
		t.Fatalf("second reserve: expected ErrTaskRunning, got %v", err)
	}
	if _, err := tr.reserve("t2"); err != nil {
		t.Fatalf("other task: %v", err)
	}
	if got := tr.Running(); len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("Running() = %v", got)
	}

	tr.release(r)
	if tr.Has("t1") {
		t.Fatal("released task still tracked")
	}
	select {
	case <-r.done:
	default:
		t.Fatal("release must close done")
	}
	if _, err := tr.reserve("t1"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestTrackedRunStopBeforeAttach(t *testing.T) {
	tr := NewProcessTracker()
	r, _ := tr.reserve("t1")

	if !r.stop(context.Background()) {
		t.Fatal("stop without a process reports not running")
	}
	if !r.wasStopped() {
		t.Fatal("stop request not remembered")
	}
	if !r.attach(nil, nil) {
		t.Fatal("attach must report the earlier stop request")
	}
}

func TestTrackerReleaseKeepsNewerEntry(t *testing.T) {
	tr := NewProcessTracker()
	stale, _ := tr.reserve("t1")
	fresh := &trackedRun{taskID: "t1", done: make(chan struct{})}
	tr.mu.Lock()
	tr.runs["t1"] = fresh
	tr.mu.Unlock()

	tr.release(stale)
	if r, ok := tr.lookup("t1"); !ok || r != fresh {
		t.Fatal("releasing a stale entry dropped the live one")
	}
}
