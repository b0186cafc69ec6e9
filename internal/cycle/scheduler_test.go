package cycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
)

type blockingResetter struct {
	calls  int32
	called chan struct{}
	block  chan struct{}
}

func (resetter *blockingResetter) ResetCycle(context.Context, credits.UserID, time.Time) (bool, error) {
	atomic.AddInt32(&resetter.calls, 1)
	if resetter.called != nil {
		select {
		case resetter.called <- struct{}{}:
		default:
		}
	}
	if resetter.block != nil {
		<-resetter.block
	}
	return true, nil
}

type singleAccountLister struct{}

func (singleAccountLister) ListUserIDs(_ context.Context, after credits.UserID, _ int) ([]credits.UserID, error) {
	if !after.IsZero() {
		return nil, nil
	}
	userID, err := credits.NewUserID("only-user")
	if err != nil {
		return nil, err
	}
	return []credits.UserID{userID}, nil
}

func TestSchedulerTrigger(t *testing.T) {
	resetter := &blockingResetter{called: make(chan struct{}, 1)}
	reports := make(chan SweepReport, 1)
	scheduler := NewScheduler(SchedulerConfig{
		Sweeper: NewSweeper(SweeperConfig{Lister: singleAccountLister{}, Resetter: resetter}),
		OnSweep: func(report SweepReport) { reports <- report },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	scheduler.Trigger()
	select {
	case report := <-reports:
		if report.AccountsReset != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
}

func TestSchedulerNeverOverlapsSweeps(t *testing.T) {
	resetter := &blockingResetter{
		called: make(chan struct{}, 2),
		block:  make(chan struct{}),
	}
	scheduler := NewScheduler(SchedulerConfig{
		Sweeper: NewSweeper(SweeperConfig{Lister: singleAccountLister{}, Resetter: resetter}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	scheduler.Trigger()
	select {
	case <-resetter.called:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
	scheduler.Trigger()
	select {
	case <-resetter.called:
		t.Fatal("unexpected concurrent sweep")
	case <-time.After(200 * time.Millisecond):
	}
	close(resetter.block)
}

func TestSchedulerTicks(t *testing.T) {
	resetter := &blockingResetter{called: make(chan struct{}, 4)}
	scheduler := NewScheduler(SchedulerConfig{
		Sweeper:  NewSweeper(SweeperConfig{Lister: singleAccountLister{}, Resetter: resetter}),
		Interval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)

	select {
	case <-resetter.called:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not fire a sweep")
	}
	scheduler.Stop()
	scheduler.Stop()
}
