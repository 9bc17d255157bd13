package router

import (
	"context"
	"sync"
)

// Fake is an in-memory Session for tests and -dry-run CLI invocations.
type Fake struct {
	mu sync.Mutex

	Stats map[string]QueueStats
	Rules map[string]bool

	// RateCalls and RuleCalls record every successful mutating call in
	// order (calls failed by FailNextRate/FailNextRule are not recorded),
	// for assertions on write elision / rate limiting behavior upstream.
	RateCalls []RateCall
	RuleCalls []RuleCall

	// FailNextRate/FailNextRule cause the next matching call to return
	// ErrTransient once, then clear themselves.
	FailNextRate bool
	FailNextRule bool
}

// RateCall records one SetQueueRate invocation.
type RateCall struct {
	QueueName string
	Bps       int64
}

// RuleCall records one SetRuleEnabled invocation.
type RuleCall struct {
	RuleIdentifier string
	Enabled        bool
}

// NewFake returns an empty Fake ready for use.
func NewFake() *Fake {
	return &Fake{
		Stats: make(map[string]QueueStats),
		Rules: make(map[string]bool),
	}
}

func (f *Fake) ReadQueueStats(_ context.Context, queueName string) (QueueStats, error) {
	if err := ValidateIdentifier(queueName); err != nil {
		return QueueStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Stats[queueName], nil
}

func (f *Fake) SetQueueRate(_ context.Context, queueName string, bps int64) error {
	if err := ValidateIdentifier(queueName); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextRate {
		f.FailNextRate = false
		return ErrTransient
	}
	f.RateCalls = append(f.RateCalls, RateCall{QueueName: queueName, Bps: bps})
	stats := f.Stats[queueName]
	stats.ShapedRateBps = bps
	f.Stats[queueName] = stats
	return nil
}

func (f *Fake) SetRuleEnabled(_ context.Context, ruleIdentifier string, enabled bool) error {
	if err := ValidateIdentifier(ruleIdentifier); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextRule {
		f.FailNextRule = false
		return ErrTransient
	}
	f.RuleCalls = append(f.RuleCalls, RuleCall{RuleIdentifier: ruleIdentifier, Enabled: enabled})
	f.Rules[ruleIdentifier] = enabled
	return nil
}
