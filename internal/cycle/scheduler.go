package cycle

import (
	"context"
	"sync"
	"time"
)

// SchedulerConfig wires a Scheduler. A zero Interval disables the ticker; Trigger still works.
type SchedulerConfig struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Now      func() time.Time
	OnSweep  func(SweepReport)
}

// Scheduler runs reset sweeps in process. At most one sweep is in flight at a time.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	now      func() time.Time
	onSweep  func(SweepReport)

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	sem     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sweeper:  cfg.Sweeper,
		interval: cfg.Interval,
		now:      now,
		onSweep:  cfg.OnSweep,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		sem:      make(chan struct{}, 1),
	}
}

func (scheduler *Scheduler) Start(ctx context.Context) {
	if scheduler == nil {
		return
	}
	scheduler.startOnce.Do(func() {
		scheduler.wg.Add(1)
		go scheduler.run(ctx)
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (scheduler *Scheduler) Stop() {
	if scheduler == nil {
		return
	}
	scheduler.stopOnce.Do(func() {
		close(scheduler.stop)
		scheduler.wg.Wait()
	})
}

// Trigger requests a sweep without blocking. Requests made while one is pending are merged.
func (scheduler *Scheduler) Trigger() {
	if scheduler == nil {
		return
	}
	select {
	case scheduler.trigger <- struct{}{}:
	default:
	}
}

func (scheduler *Scheduler) run(ctx context.Context) {
	defer scheduler.wg.Done()

	var ticker *time.Ticker
	if scheduler.interval > 0 {
		ticker = time.NewTicker(scheduler.interval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduler.stop:
			return
		case <-scheduler.trigger:
			scheduler.launch(ctx)
		case <-tickChan(ticker):
			scheduler.launch(ctx)
		}
	}
}

func tickChan(ticker *time.Ticker) <-chan time.Time {
	if ticker == nil {
		return nil
	}
	return ticker.C
}

func (scheduler *Scheduler) launch(ctx context.Context) {
	select {
	case scheduler.sem <- struct{}{}:
	default:
		return
	}

	scheduler.wg.Add(1)
	go func() {
		defer scheduler.wg.Done()
		defer func() { <-scheduler.sem }()

		report := scheduler.sweeper.RunResetSweep(ctx, scheduler.now())
		if scheduler.onSweep != nil {
			scheduler.onSweep(report)
		}
	}()
}
