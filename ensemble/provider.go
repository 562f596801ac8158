// Package ensemble implements the streaming ensemble orchestrator from
// spec.md §4.10: race N provider pools, latch the first responder as
// winner, cancel the rest, and attribute cost to every branch including
// cancelled ones. Grounded on the teacher's miner/worker.go concurrency
// shape (a resultLoop/taskLoop pair coordinated by channels and an
// atomic.Int32 interrupt signal) re-expressed as one goroutine per branch
// racing toward a winner latch, and on golang.org/x/sync's errgroup
// (branch supervision) and github.com/deckarep/golang-set/v2 (branch-set
// bookkeeping, mirroring the teacher's environment.ancestors/family sets).
package ensemble

import "context"

// Usage is provider-reported token usage, delivered as a stream's terminal
// event when the provider supports it (spec.md §3 "reported_usage?").
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// Chunk is one unit from a provider stream: either a content delta or,
// when Done is true, the terminal event (optionally carrying Usage).
type Chunk struct {
	Content string
	Usage   *Usage
	Done    bool
}

// Provider is the abstract streaming collaborator spec.md §1 requires this
// package to consume: "an abstract provider that yields text deltas and
// usage counts; concrete providers are external collaborators."
type Provider interface {
	// Stream opens a streaming completion call for pool against req. The
	// returned channel is closed when the stream ends (naturally, on
	// error, or because ctx was cancelled); providers must stop producing
	// as soon as ctx is done so cancellation actually frees resources.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Request is the completion request forwarded to every racing pool.
type Request struct {
	Prompt    string
	MaxTokens int64
}

// PriceTable converts usage or observed byte/token counts into a
// decimal-integer micro-USD cost string for one pool, matching ledger.Entry
// cost field conventions (spec.md §3 "never floats").
type PriceTable interface {
	CostFromUsage(u Usage) string
	CostFromBytes(observedBytes int) string
}
