package sandbox

import (
	"context"
	"sync"
)

// FakeExecutor is a scriptable executor for tests. Each call records the
// request and tier, and pops the next scripted outcome; when the script is
// exhausted the Default result is returned.
type FakeExecutor struct {
	mu       sync.Mutex
	script   []FakeOutcome
	Default  Result
	Requests []Request
	Tiers    []Tier
}

// FakeOutcome is one scripted Run result.
type FakeOutcome struct {
	Result Result
	Err    error
}

// NewFakeExecutor returns an executor that replays outcomes in order.
func NewFakeExecutor(outcomes ...FakeOutcome) *FakeExecutor {
	return &FakeExecutor{script: outcomes}
}

// Run implements Executor.
func (f *FakeExecutor) Run(ctx context.Context, req Request, tier Tier) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	f.Tiers = append(f.Tiers, tier)
	if len(f.script) == 0 {
		return f.Default, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.Result, next.Err
}

// Calls returns how many times Run was invoked.
func (f *FakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Tiers)
}
