package db

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewMigrator_SortsByVersion(t *testing.T) {
	m, err := NewMigrator(nil, zerolog.Nop(),
		Migration{Version: 3, Name: "three", SQL: "SELECT 3"},
		Migration{Version: 1, Name: "one", SQL: "SELECT 1"},
		Migration{Version: 2, Name: "two", SQL: "SELECT 2"},
	)
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}

	got := m.Migrations()
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if got[i].Version != want {
			t.Errorf("position %d: expected version %d, got %d", i, want, got[i].Version)
		}
	}

	got[0].Name = "mutated"
	if m.Migrations()[0].Name != "one" {
		t.Error("Migrations() must return a copy")
	}
}

func TestNewMigrator_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		migrations []Migration
		wantErr    string
	}{
		{
			name:       "duplicate version",
			migrations: []Migration{{Version: 1, Name: "a", SQL: "SELECT 1"}, {Version: 1, Name: "b", SQL: "SELECT 1"}},
			wantErr:    "used by both",
		},
		{
			name:       "zero version",
			migrations: []Migration{{Version: 0, Name: "a", SQL: "SELECT 1"}},
			wantErr:    "version must be >= 1",
		},
		{
			name:       "empty sql",
			migrations: []Migration{{Version: 1, Name: "a"}},
			wantErr:    "empty SQL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMigrator(nil, zerolog.Nop(), tt.migrations...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "sessions", SQL: "x"},
		{Version: 2, Name: "audit", SQL: "x"},
		{Version: 3, Name: "index", SQL: "x"},
	}

	got := pending(migrations, map[int]bool{1: true}, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 3 {
		t.Errorf("unexpected pending set %+v", got)
	}

	got = pending(migrations, map[int]bool{}, 2)
	if len(got) != 2 || got[1].Version != 2 {
		t.Errorf("expected versions 1-2 with target, got %+v", got)
	}

	if got := pending(migrations, map[int]bool{1: true, 2: true, 3: true}, 0); len(got) != 0 {
		t.Errorf("expected nothing pending, got %+v", got)
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "sessions", SQL: "x"}, {Version: 2, Name: "audit", SQL: "x"}}

	got := statuses(migrations, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %v, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", got[1])
	}
}
