package oracle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cloud-shuttle/dray/internal/oracle"
	"github.com/cloud-shuttle/dray/internal/task"
)

type base struct{ name string }

func (b base) Kind() string                   { return "test" }
func (b base) Params() task.Params            { return task.Params{"name": b.name} }
func (b base) Requires() ([]task.Task, error) { return nil, nil }

type target struct {
	exists bool
	err    error
}

func (t target) Exists(context.Context) (bool, error) { return t.exists, t.err }

type runnable struct {
	base
	out task.Target
}

func (r runnable) Output() task.Target       { return r.out }
func (r runnable) Run(context.Context) error { return nil }

type external struct {
	base
	complete func() (bool, error)
}

func (e external) Complete(context.Context) (bool, error) { return e.complete() }

func TestOracle_IsComplete(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		task    task.Task
		want    bool
		wantErr bool
	}{
		{"runnable output exists", runnable{base: base{"a"}, out: target{exists: true}}, true, false},
		{"runnable output missing", runnable{base: base{"b"}, out: target{}}, false, false},
		{"runnable without output", runnable{base: base{"c"}}, false, false},
		{"runnable check fails", runnable{base: base{"d"}, out: target{err: boom}}, false, true},
		{"external complete", external{base: base{"e"}, complete: func() (bool, error) { return true, nil }}, true, false},
		{"external incomplete", external{base: base{"f"}, complete: func() (bool, error) { return false, nil }}, false, false},
		{"external check fails", external{base: base{"g"}, complete: func() (bool, error) { return true, boom }}, false, true},
		{"external check panics", external{base: base{"h"}, complete: func() (bool, error) { panic("kaboom") }}, false, true},
		{"no capability", base{"i"}, false, true},
	}

	o := oracle.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.IsComplete(context.Background(), tt.task)
			if got != tt.want {
				t.Errorf("IsComplete() = %v; want %v", got, tt.want)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsComplete() error = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var checkErr *oracle.CompletionCheckError
				if !errors.As(err, &checkErr) {
					t.Errorf("Expected *CompletionCheckError, got %T", err)
				}
				if checkErr.TaskID != task.ID(tt.task) {
					t.Errorf("TaskID = %s; want %s", checkErr.TaskID, task.ID(tt.task))
				}
			}
		})
	}
}

func TestOracle_IsCompleteIsRepeatable(t *testing.T) {
	calls := 0
	e := external{base: base{"x"}, complete: func() (bool, error) {
		calls++
		return calls >= 3, nil
	}}

	o := oracle.New()
	results := []bool{}
	for i := 0; i < 3; i++ {
		got, err := o.IsComplete(context.Background(), e)
		if err != nil {
			t.Fatalf("IsComplete failed: %v", err)
		}
		results = append(results, got)
	}

	if results[0] || results[1] || !results[2] {
		t.Errorf("Expected [false false true], got %v", results)
	}
	if calls != 3 {
		t.Errorf("Expected 3 delegated calls, got %d", calls)
	}
}
