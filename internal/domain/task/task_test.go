package task

import (
	"testing"
	"time"
)

func TestIsRunning(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"queued", Task{Status: StatusQueued}, false},
		{"in progress without start", Task{Status: StatusInProgress}, false},
		{"in progress", Task{Status: StatusInProgress, StartedAt: &now}, true},
		{"in progress but completed", Task{Status: StatusInProgress, StartedAt: &now, CompletedAt: &later}, false},
		{"done", Task{Status: StatusDone, StartedAt: &now, CompletedAt: &later}, false},
		{"failed", Task{Status: StatusFailed, StartedAt: &now, CompletedAt: &later}, false},
		{"failed before start", Task{Status: StatusFailed, CompletedAt: &later}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.IsRunning(); got != tt.want {
				t.Errorf("IsRunning() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusInProgress, StatusWaitingReview} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMarkInProgressResetsPreviousRun(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	tk := Task{
		Status:      StatusFailed,
		StartedAt:   &old,
		CompletedAt: &old,
		AgentOutput: "previous",
		Usage:       &TokenUsage{InputTokens: 1, OutputTokens: 2},
	}

	now := time.Now()
	tk.MarkInProgress(now)

	if !tk.IsRunning() {
		t.Fatal("expected task to be running")
	}
	if !tk.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v, want %v", tk.StartedAt, now)
	}
	if tk.AgentOutput != "" || tk.Usage != nil {
		t.Fatal("expected previous run output to be cleared")
	}
}

func TestMarkFinishedOnlyOnce(t *testing.T) {
	start := time.Now()
	tk := Task{}
	tk.MarkInProgress(start)

	first := start.Add(time.Second)
	if !tk.MarkFinished(StatusFailed, first, "stopped") {
		t.Fatal("expected first MarkFinished to apply")
	}
	if tk.MarkFinished(StatusDone, first.Add(time.Second), "late") {
		t.Fatal("expected second MarkFinished to be ignored")
	}
	if tk.Status != StatusFailed || !tk.CompletedAt.Equal(first) || tk.AgentOutput != "stopped" {
		t.Fatalf("unexpected task state after double finish: %+v", tk)
	}
	if tk.StartedAt.After(*tk.CompletedAt) {
		t.Fatal("StartedAt must not be after CompletedAt")
	}
}

func TestPrompt(t *testing.T) {
	tests := []struct {
		title, desc, want string
	}{
		{"Fix login", "", "Fix login"},
		{"", "Users cannot log in", "Users cannot log in"},
		{"Fix login", "Users cannot log in", "Fix login\n\nUsers cannot log in"},
		{"  hello ", "\n", "hello"},
	}
	for _, tt := range tests {
		tk := Task{Title: tt.title, Description: tt.desc}
		if got := tk.Prompt(); got != tt.want {
			t.Errorf("Prompt(%q, %q) = %q, want %q", tt.title, tt.desc, got, tt.want)
		}
	}
}

func TestShortSHA(t *testing.T) {
	c := Commit{SHA: "0123456789abcdef0123456789abcdef01234567"}
	if got := c.ShortSHA(); got != "0123456" {
		t.Fatalf("ShortSHA() = %q", got)
	}
	if got := (Commit{SHA: "abc"}).ShortSHA(); got != "abc" {
		t.Fatalf("ShortSHA() = %q", got)
	}
}

func TestMarkNotStarted(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	tk := Task{Status: StatusDone, StartedAt: &old, CompletedAt: &old}

	now := time.Now()
	tk.MarkNotStarted(now, "Agent binary is not available")

	if tk.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", tk.Status)
	}
	if tk.StartedAt != nil {
		t.Fatal("StartedAt must stay unset when no process ran")
	}
	if tk.CompletedAt == nil || !tk.CompletedAt.Equal(now) {
		t.Fatal("CompletedAt must be set")
	}
	if tk.IsRunning() {
		t.Fatal("task must not be running")
	}
}

func TestMarkAborted(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	tk := Task{}
	tk.MarkInProgress(start)

	first := time.Now()
	tk.MarkFinished(StatusDone, first, "ok\n")

	tk.MarkAborted(first.Add(time.Second), "ok\nAgent run failed: disk full")
	if tk.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", tk.Status)
	}
	if !tk.CompletedAt.Equal(first) {
		t.Fatal("CompletedAt must keep the first completion time")
	}
	if tk.AgentOutput != "ok\nAgent run failed: disk full" {
		t.Fatalf("AgentOutput = %q", tk.AgentOutput)
	}

	running := Task{}
	running.MarkInProgress(start)
	running.MarkAborted(first, "Agent run failed: spawn")
	if running.CompletedAt == nil || running.CompletedAt.Before(*running.StartedAt) {
		t.Fatal("aborted run must be completed after it started")
	}
}
