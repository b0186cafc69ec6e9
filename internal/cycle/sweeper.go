package cycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize    = 500
	defaultParallelism = 8
)

// AccountLister pages through every account id in ascending order.
type AccountLister interface {
	ListUserIDs(ctx context.Context, after credits.UserID, limit int) ([]credits.UserID, error)
}

// Resetter applies a cycle reset to one account when it is due.
type Resetter interface {
	ResetCycle(ctx context.Context, userID credits.UserID, now time.Time) (bool, error)
}

// SweepRecorder observes finished sweeps.
type SweepRecorder interface {
	RecordSweep(report SweepReport)
}

// AccountError pairs an account with the error its reset returned. A zero UserID marks a
// sweep-level failure such as a listing error.
type AccountError struct {
	UserID credits.UserID
	Err    error
}

// SweepReport summarizes one pass over all accounts.
type SweepReport struct {
	AccountsChecked int
	AccountsReset   int
	Errors          []AccountError
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Lister      AccountLister
	Resetter    Resetter
	PageSize    int
	Parallelism int
	Logger      *zap.Logger
	Recorder    SweepRecorder
}

// Sweeper resets every account whose cycle boundary has passed.
type Sweeper struct {
	lister      AccountLister
	resetter    Resetter
	pageSize    int
	parallelism int
	logger      *zap.Logger
	recorder    SweepRecorder
}

// NewSweeper builds a Sweeper, filling in defaults for unset sizes.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		lister:      cfg.Lister,
		resetter:    cfg.Resetter,
		pageSize:    pageSize,
		parallelism: parallelism,
		logger:      logger,
		recorder:    cfg.Recorder,
	}
}

// RunResetSweep visits every account once. A failing account is recorded and skipped;
// it never stops the sweep. Running the sweep twice for the same boundary resets nothing new.
func (sweeper *Sweeper) RunResetSweep(ctx context.Context, now time.Time) SweepReport {
	var (
		report SweepReport
		mu     sync.Mutex
		after  credits.UserID
	)
	for {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, AccountError{Err: err})
			break
		}
		page, err := sweeper.lister.ListUserIDs(ctx, after, sweeper.pageSize)
		if err != nil {
			report.Errors = append(report.Errors, AccountError{Err: err})
			break
		}
		if len(page) == 0 {
			break
		}

		var group errgroup.Group
		group.SetLimit(sweeper.parallelism)
		for _, userID := range page {
			userID := userID
			group.Go(func() error {
				applied, resetErr := sweeper.resetter.ResetCycle(ctx, userID, now)
				mu.Lock()
				defer mu.Unlock()
				report.AccountsChecked++
				if resetErr != nil {
					report.Errors = append(report.Errors, AccountError{UserID: userID, Err: resetErr})
					return nil
				}
				if applied {
					report.AccountsReset++
				}
				return nil
			})
		}
		_ = group.Wait()

		after = page[len(page)-1]
		if len(page) < sweeper.pageSize {
			break
		}
	}

	sort.SliceStable(report.Errors, func(left, right int) bool {
		return report.Errors[left].UserID.String() < report.Errors[right].UserID.String()
	})
	for _, accountErr := range report.Errors {
		sweeper.logger.Warn("reset sweep account failed",
			zap.String("user_id", accountErr.UserID.String()),
			zap.Error(accountErr.Err),
		)
	}
	sweeper.logger.Info("reset sweep finished",
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("accounts_reset", report.AccountsReset),
		zap.Int("errors", len(report.Errors)),
		zap.Time("now", now),
	)
	if sweeper.recorder != nil {
		sweeper.recorder.RecordSweep(report)
	}
	return report
}
