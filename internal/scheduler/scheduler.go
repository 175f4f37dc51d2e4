package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// BackupRunner takes a backup for an account when one is due.
type BackupRunner interface {
	RunDueBackup(ctx context.Context, accountID string) (bool, error)
}

// Scheduler periodically runs automatic backups for a fixed set of accounts.
type Scheduler struct {
	runner   BackupRunner
	accounts []string
	interval time.Duration
	wg       sync.WaitGroup
}

func New(runner BackupRunner, accounts []string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{runner: runner, accounts: accounts, interval: interval}
}

// Start runs one pass immediately and then one per interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.accounts) == 0 {
		log.Printf("[scheduler] no accounts configured, auto-backup disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Run(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Run(ctx)
			}
		}
	}()
	log.Printf("[scheduler] auto-backup started accounts=%d every %s", len(s.accounts), s.interval)
}

// Wait blocks until the loop started by Start has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run checks every account once. A failing account does not stop the others.
func (s *Scheduler) Run(ctx context.Context) {
	for _, accountID := range s.accounts {
		if ctx.Err() != nil {
			return
		}
		ran, err := s.runner.RunDueBackup(ctx, accountID)
		if err != nil {
			log.Printf("[scheduler] WARN: auto-backup failed account=%s: %v", accountID, err)
			continue
		}
		if ran {
			log.Printf("[scheduler] auto-backup completed account=%s", accountID)
		}
	}
}
