package model

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClockStateElapsed(t *testing.T) {
	start := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	target := start.Add(10 * time.Minute)

	tests := []struct {
		name string
		s    ClockState
		at   time.Time
		want int64
		mode ClockMode
	}{
		{"stopped", ClockState{InitialOffset: 100}, start, 100, ClockStopped},
		{"running", ClockState{InitialOffset: 100, IsRunning: true, LastStartTime: &start}, start.Add(5500 * time.Millisecond), 105, ClockRunning},
		{"target countdown", ClockState{IsUsingTargetTime: true, TargetDateTime: &target}, start, -600, ClockTargetTracking},
		{"target passed", ClockState{IsUsingTargetTime: true, TargetDateTime: &target}, target.Add(time.Minute), 60, ClockTargetTracking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Elapsed(tt.at); got != tt.want {
				t.Errorf("Elapsed = %d, want %d", got, tt.want)
			}
			if got := tt.s.Mode(); got != tt.mode {
				t.Errorf("Mode = %s, want %s", got, tt.mode)
			}
		})
	}
}

func TestSessionExpired(t *testing.T) {
	beat := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	s := Session{LastHeartbeatAt: beat}
	if s.Expired(beat.Add(90*time.Second), 90*time.Second) {
		t.Error("exactly at TTL should still be live")
	}
	if !s.Expired(beat.Add(91*time.Second), 90*time.Second) {
		t.Error("past TTL should be expired")
	}
}

func TestRowFieldsApplyAndValidate(t *testing.T) {
	r := NewRow()
	desc := "Doors open"
	status := StatusPassed
	RowFields{Description: &desc, Status: &status}.Apply(&r)
	if r.Description != desc || r.Status != StatusPassed || r.Time != "00:00:00" {
		t.Fatalf("unexpected row %+v", r)
	}

	bad := RowStatus("Maybe")
	if err := (RowFields{Status: &bad}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmissionFullyProcessedIgnoresTableData(t *testing.T) {
	s := Submission{Records: []ChangeRecord{
		{Type: ChangeRowAdd, Status: ChangeAccepted},
		{Type: ChangeTableData, Status: ChangePending},
	}}
	if !s.FullyProcessed() {
		t.Fatal("table_data snapshot must not keep a submission open")
	}
	s.Records = append(s.Records, ChangeRecord{Type: ChangeRowDelete, Status: ChangePending})
	if s.FullyProcessed() {
		t.Fatal("pending row_delete keeps the submission open")
	}
}

func TestTableDataLocate(t *testing.T) {
	td := TableData{Phases: []TablePhase{
		{PhaseNumber: 1, Rows: []TableRow{{ID: 10}, {ID: 11}}},
		{PhaseNumber: 2, Rows: []TableRow{{ID: 20}, {ClientID: "new-1"}, {ID: 21}}},
	}}

	phase, idx, ok := td.Locate(0, "new-1")
	if !ok || phase != 2 || idx != 1 {
		t.Fatalf("Locate(new-1) = %d,%d,%v", phase, idx, ok)
	}
	if _, _, ok := td.Locate(99, ""); ok {
		t.Fatal("unexpected match for unknown id")
	}
	if len(td.PhaseRows(2)) != 3 || td.PhaseRows(3) != nil {
		t.Fatal("PhaseRows mismatch")
	}
}

func TestActorFromContext(t *testing.T) {
	if got := ActorFromContext(context.Background()); got.Name != "system" {
		t.Fatalf("default actor = %+v", got)
	}
	ctx := WithActor(context.Background(), Actor{Role: "Manager", Name: "alice"})
	if got := ActorFromContext(ctx); got.Name != "alice" || got.Role != "Manager" {
		t.Fatalf("actor = %+v", got)
	}
}

func TestChangeTypes(t *testing.T) {
	if !ChangeRowMove.Valid() || ChangeType("row_explode").Valid() {
		t.Fatal("Valid mismatch")
	}
	if ChangeTableData.Decidable() || !ChangeScriptAdd.Decidable() {
		t.Fatal("Decidable mismatch")
	}
}
