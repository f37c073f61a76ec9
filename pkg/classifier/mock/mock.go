// Package mock provides a configurable test double for [classifier.Classifier].
//
// The mock records every window it receives and answers from a scripted list
// of verdicts. It can also be told to block, which is how tests simulate a
// classification backend that never responds.
//
// Example:
//
//	c := &mock.Classifier{Verdicts: []classifier.Verdict{
//	    {Label: classifier.LabelHuman, Confidence: 0.9},
//	    {Label: classifier.LabelMachine, Confidence: 0.92},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// Call records a single invocation of [Classifier.Classify].
type Call struct {
	// Window is a copy of the window passed to Classify.
	Window classifier.Window
}

// Classifier is a mock implementation of [classifier.Classifier].
type Classifier struct {
	mu sync.Mutex

	// Verdicts are returned in order, one per call. Once exhausted the last
	// entry is repeated. When empty, Verdict is returned.
	Verdicts []classifier.Verdict

	// Verdict is the fallback answer when Verdicts is empty.
	Verdict classifier.Verdict

	// Err, if non-nil, is returned instead of a verdict.
	Err error

	// Block, if non-nil, makes Classify wait until the channel is closed or
	// ctx is done.
	Block chan struct{}

	// IgnoreContext makes a blocking Classify wait on Block only, modelling a
	// backend that ignores cancellation.
	IgnoreContext bool

	// Started, if non-nil, receives the window sequence number each time
	// Classify begins. Sends never block.
	Started chan int

	calls []Call
}

// Classify records the call and returns the scripted verdict.
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	c.mu.Lock()
	cp := w
	cp.Audio = append([]byte(nil), w.Audio...)
	idx := len(c.calls)
	c.calls = append(c.calls, Call{Window: cp})
	block := c.Block
	ignore := c.IgnoreContext
	started := c.Started
	c.mu.Unlock()

	if started != nil {
		select {
		case started <- w.Seq:
		default:
		}
	}

	if block != nil {
		if ignore {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return classifier.Verdict{}, ctx.Err()
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return classifier.Verdict{}, c.Err
	}
	if len(c.Verdicts) == 0 {
		return c.Verdict, nil
	}
	if idx >= len(c.Verdicts) {
		idx = len(c.Verdicts) - 1
	}
	return c.Verdicts[idx], nil
}

// Calls returns a copy of all recorded calls.
func (c *Classifier) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of Classify invocations so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Reset clears all recorded calls.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

var _ classifier.Classifier = (*Classifier)(nil)
