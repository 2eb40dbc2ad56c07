package models

import (
	"errors"
	"testing"
	"time"
)

func validSubmit() *SubmitRequest {
	return &SubmitRequest{
		Name:       "compile",
		User:       "alice",
		Priority:   50,
		Commands:   [][]string{{"make"}},
		Dimensions: map[string][]string{"pool": {"ci"}},
	}
}

func TestSubmitRequestValidate(t *testing.T) {
	if err := validSubmit().Validate(); err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}

	cases := map[string]func(*SubmitRequest){
		"missing name":      func(s *SubmitRequest) { s.Name = "" },
		"missing user":      func(s *SubmitRequest) { s.User = "" },
		"priority too high": func(s *SubmitRequest) { s.Priority = 256 },
		"negative priority": func(s *SubmitRequest) { s.Priority = -1 },
		"no dimensions":     func(s *SubmitRequest) { s.Dimensions = nil },
		"empty value list":  func(s *SubmitRequest) { s.Dimensions["os"] = nil },
		"empty value":       func(s *SubmitRequest) { s.Dimensions["os"] = []string{""} },
		"negative timeout":  func(s *SubmitRequest) { s.ExecutionTimeout = -time.Second },
		"negative deadline": func(s *SubmitRequest) { s.SchedulingDeadline = -time.Hour },
	}
	for name, mutate := range cases {
		sub := validSubmit()
		mutate(sub)
		if err := sub.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestNewTaskRequestDefaults(t *testing.T) {
	req := NewTaskRequest(validSubmit())
	if req.Properties.ExecutionTimeout != DefaultExecutionTimeout {
		t.Fatalf("execution timeout default not applied: %v", req.Properties.ExecutionTimeout)
	}
	if req.Properties.IOTimeout != DefaultIOTimeout {
		t.Fatalf("io timeout default not applied: %v", req.Properties.IOTimeout)
	}
	if req.SchedulingDeadline != DefaultSchedulingDeadline {
		t.Fatalf("scheduling deadline default not applied: %v", req.SchedulingDeadline)
	}
	if !req.ExpiresAt().Equal(req.CreatedAt.Add(DefaultSchedulingDeadline)) {
		t.Fatal("ExpiresAt must derive from creation time and deadline")
	}
}

func TestToSubmitRoundTrip(t *testing.T) {
	orig := NewTaskRequest(validSubmit())
	dup := NewTaskRequest(orig.ToSubmit("bob"))

	if dup.ID == orig.ID {
		t.Fatal("duplicate must get a fresh id")
	}
	if dup.User != "bob" {
		t.Fatalf("duplicate user %q, want bob", dup.User)
	}
	if dup.Name != orig.Name || dup.Priority != orig.Priority {
		t.Fatal("duplicate must copy name and priority")
	}

	// Mutating the duplicate's dimensions must not leak into the original.
	dup.Properties.Dimensions["pool"][0] = "mutated"
	if orig.Properties.Dimensions["pool"][0] != "ci" {
		t.Fatal("dimensions must be deep-copied")
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	terminal := []TaskState{StateCompleted, StateExpired, StateTimedOut, StateBotDied, StateCanceled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []TaskState{StatePending, StateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
