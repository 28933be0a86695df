package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type sweeperStub struct {
	calls   int
	batch   int
	summary SweepSummary
	err     error
}

func (s *sweeperStub) Sweep(ctx context.Context, batch int) (SweepSummary, error) {
	s.calls++
	s.batch = batch
	return s.summary, s.err
}

func newTestScheduler(sweeper Sweeper, schedule string, batch int) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(sweeper, logger, schedule, batch)
}

func TestScheduler_RunProvisioningSweep(t *testing.T) {
	sweeper := &sweeperStub{summary: SweepSummary{Scanned: 3, Provisioned: 2, Failed: 1}}
	s := newTestScheduler(sweeper, "@every 15m", 0)

	s.RunProvisioningSweep()
	if sweeper.calls != 1 || sweeper.batch != 50 {
		t.Fatalf("expected one sweep with default batch, got calls=%d batch=%d", sweeper.calls, sweeper.batch)
	}

	sweeper.err = errors.New("store down")
	s.RunProvisioningSweep()
	if sweeper.calls != 2 {
		t.Fatalf("expected sweep failures to be logged, not fatal")
	}
}

func TestScheduler_StartRejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler(&sweeperStub{}, "not a schedule", 10)
	if err := s.Start(); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	s := newTestScheduler(&sweeperStub{}, "@every 1h", 10)
	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-s.Stop().Done()
}
