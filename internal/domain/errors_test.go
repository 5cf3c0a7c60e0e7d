package domain

import (
	"testing"

	"github.com/pkg/errors"
)

func TestTransientWrapsAndMatches(t *testing.T) {
	cause := errors.New("throttled")
	err := errors.Wrap(Transient(cause), "sync item 7")
	if !IsTransient(err) {
		t.Fatalf("expected transient")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause reachable")
	}
	if IsTransient(cause) {
		t.Fatalf("plain errors are not transient")
	}
	if Transient(nil) != nil {
		t.Fatalf("Transient(nil) must stay nil")
	}
}

func TestNewItemValidate(t *testing.T) {
	tests := []struct {
		name string
		item NewItem
		ok   bool
	}{
		{"complete", NewItem{Queue: SyncQueue, OwnerID: "u1", DedupeKey: "c1"}, true},
		{"no queue", NewItem{OwnerID: "u1", DedupeKey: "c1"}, false},
		{"no owner", NewItem{Queue: SyncQueue, DedupeKey: "c1"}, false},
		{"no key", NewItem{Queue: SyncQueue, OwnerID: "u1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestTaskKindValid(t *testing.T) {
	for _, k := range []TaskKind{TaskPull, TaskSync, TaskDrain, TaskPlan} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
	}
	if TaskKind("resync").Valid() {
		t.Fatalf("unknown kind accepted")
	}
}
