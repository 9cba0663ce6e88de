package app

import (
	"context"
	"errors"
	"testing"

	"github.com/hylla/shiftsync/internal/domain"
)

func TestExportDayReplaysWorkedTime(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	att := newTestAttendance(t, nil)
	tr, err := att.ClockIn(ctx, ClockInInput{EmployeeID: "e1", Location: testSiteCenter, OccurredAt: clockAt(9, 0)})
	if err != nil {
		t.Fatalf("ClockIn() error = %v", err)
	}
	id := tr.Session.ID
	if _, err := att.StartBreak(ctx, TransitionInput{SessionID: id, OccurredAt: clockAt(12, 0)}); err != nil {
		t.Fatalf("StartBreak() error = %v", err)
	}
	if _, err := att.EndBreak(ctx, TransitionInput{SessionID: id, OccurredAt: clockAt(12, 30)}); err != nil {
		t.Fatalf("EndBreak() error = %v", err)
	}
	if _, err := att.ClockOut(ctx, TransitionInput{SessionID: id, OccurredAt: clockAt(18, 0)}); err != nil {
		t.Fatalf("ClockOut() error = %v", err)
	}
	proc := NewProcessor(&fakeBus{recordingPublisher: &recordingPublisher{}}, att, repo, fixedClock(clockAt(20, 0)), ProcessorConfig{Backoff: noBackoff, Logger: nopLogger{}})
	proc.Handle(ctx, domain.NewResyncEvent(domain.ResyncReasonRequested, clockAt(20, 0)))

	out, err := ExportDay(ctx, repo, fixedClock(clockAt(21, 0)), "2026-03-02")
	if err != nil {
		t.Fatalf("ExportDay() error = %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].WorkedSeconds != 30600 {
		t.Fatalf("expected one session with 30600 worked seconds, got %+v", out.Sessions)
	}
	if len(out.Events) != 4 || out.Events[0].Type != domain.ActivityClockIn {
		t.Fatalf("unexpected exported events %+v", out.Events)
	}

	if _, err := ExportDay(ctx, repo, nil, "03/02/2026"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
	out.Events[0].SessionID = "other"
	if err := out.Validate(); err == nil {
		t.Fatal("expected Validate() to reject dangling event")
	}
}
