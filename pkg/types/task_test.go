package types

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from TaskState
		to   TaskState
		want bool
	}{
		{StatePending, StateRunnable, true},
		{StatePending, StateDone, true},
		{StatePending, StatePending, true},
		{StatePending, StateRunning, false},
		{StateRunnable, StateRunning, true},
		{StateRunnable, StateDone, false},
		{StateRunning, StateDone, true},
		{StateRunning, StateFailed, true},
		{StateFailed, StateRunnable, true},
		{StateFailed, StateDone, false},
		{StateDone, StatePending, false},
		{StateDisabled, StateRunnable, false},
		{StateBlocked, StateRunnable, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v; want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTaskState_IsFailure(t *testing.T) {
	if StateDone.IsFailure() {
		t.Error("done should not be a failure")
	}
	if StatePending.IsFailure() {
		t.Error("pending should not be a failure")
	}
	for _, s := range []TaskState{StateDisabled, StateUnsatisfied, StateBlocked} {
		if !s.IsFailure() {
			t.Errorf("%s should be a failure", s)
		}
	}
}
