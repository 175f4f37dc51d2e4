package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
}

func (f *fakeRunner) RunDueBackup(_ context.Context, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[accountID]++
	if accountID == f.fail {
		return false, errors.New("boom")
	}
	return true, nil
}

func (f *fakeRunner) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

func TestRunContinuesPastFailingAccount(t *testing.T) {
	runner := &fakeRunner{calls: map[string]int{}, fail: "a"}
	s := New(runner, []string{"a", "b"}, time.Hour)

	s.Run(context.Background())

	if runner.count("a") != 1 || runner.count("b") != 1 {
		t.Fatalf("expected both accounts checked once, got %v", runner.calls)
	}
}

func TestStartRunsImmediatelyAndStopsWithContext(t *testing.T) {
	runner := &fakeRunner{calls: map[string]int{}}
	s := New(runner, []string{"acct"}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for runner.count("acct") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()

	if runner.count("acct") != 1 {
		t.Fatalf("expected one immediate pass, got %d", runner.count("acct"))
	}
}
