package ensemble

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/log"
)

// BranchStatus is the closed set from spec.md §3.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchCompleted BranchStatus = "completed"
	BranchCancelled BranchStatus = "cancelled"
	BranchFailed    BranchStatus = "failed"
)

// OvercountMode tags how a cancelled/losing branch's cost was attributed
// (spec.md §4.10).
type OvercountMode string

const (
	OvercountPromptOnly     OvercountMode = "prompt_only"
	OvercountObservedChunks OvercountMode = "observed_chunks_overcount"
)

// Branch is the per-pool record from spec.md §3.
type Branch struct {
	Pool          string
	Status        BranchStatus
	FirstChunkAt  time.Time
	LastChunkAt   time.Time
	ObservedBytes int
	Usage         *Usage
	CostMicro     string
	Overcount     OvercountMode
	WasAborted    bool
	Err           error
}

// Pool binds a pool identifier to its provider adapter and price table.
type Pool struct {
	ID       string
	Provider Provider
	Prices   PriceTable
}

// Result is the outcome of Race: the winner's pool id, the forwarded
// content (already concatenated in arrival order), every branch's final
// record, and the summed ensemble cost.
type Result struct {
	WinnerPool     string
	Content        string
	Branches       map[string]*Branch
	TotalCostMicro string
}

// Orchestrator races pools for one request.
type Orchestrator struct {
	log log.Logger
}

func New(logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Noop()
	}
	return &Orchestrator{log: logger}
}

type branchEvent struct {
	pool  string
	chunk Chunk
	err   error
}

// Race opens a stream per pool concurrently, forwards the winner's chunks
// to onChunk in arrival order, cancels every other branch as soon as a
// winner is latched, and attributes cost to every branch (spec.md §4.10).
// An external cancellation (ctx) aborts every branch; a timeout before any
// first chunk returns a typed error; if every branch fails the ensemble
// errors.
func (o *Orchestrator) Race(ctx context.Context, pools []Pool, req Request, firstChunkTimeout time.Duration, onChunk func(string)) (Result, error) {
	if len(pools) == 0 {
		return Result{}, gwerrors.New(gwerrors.BudgetInvalid, "ensemble.race", nil)
	}

	raceCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	branches := make(map[string]*Branch, len(pools))
	for _, p := range pools {
		branches[p.ID] = &Branch{Pool: p.ID, Status: BranchPending}
	}

	events := make(chan branchEvent, len(pools)*4)
	var wg sync.WaitGroup
	cancelled := mapset.NewSet[string]()

	branchCtxs := make(map[string]context.CancelFunc, len(pools))
	var ctxMu sync.Mutex

	for _, p := range pools {
		p := p
		bctx, bcancel := context.WithCancel(raceCtx)
		ctxMu.Lock()
		branchCtxs[p.ID] = bcancel
		ctxMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bcancel()
			stream, err := p.Provider.Stream(bctx, req)
			if err != nil {
				events <- branchEvent{pool: p.ID, err: err}
				return
			}
			for chunk := range stream {
				select {
				case events <- branchEvent{pool: p.ID, chunk: chunk}:
				case <-bctx.Done():
					return
				}
				if chunk.Done {
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	var winner string
	var builder []byte
	remaining := len(pools)
	failedCount := 0
	var firstChunkTimer *time.Timer
	if firstChunkTimeout > 0 {
		firstChunkTimer = time.NewTimer(firstChunkTimeout)
		defer firstChunkTimer.Stop()
	}
	var timerC <-chan time.Time
	if firstChunkTimer != nil {
		timerC = firstChunkTimer.C
	}

	for remaining > 0 {
		select {
		case <-ctx.Done():
			o.cancelRemaining(branches, branchCtxs, &ctxMu, cancelled)
			return Result{}, gwerrors.New(gwerrors.ShuttingDown, "ensemble.race", ctx.Err())

		case <-timerC:
			if winner == "" {
				o.cancelRemaining(branches, branchCtxs, &ctxMu, cancelled)
				return Result{}, gwerrors.New(gwerrors.RPCUnreachable, "ensemble.race.first_chunk_timeout", nil)
			}
			timerC = nil

		case ev, ok := <-events:
			if !ok {
				remaining = 0
				break
			}
			b := branches[ev.pool]
			if ev.err != nil {
				b.Status = BranchFailed
				b.Err = ev.err
				failedCount++
				remaining--
				continue
			}
			now := time.Now()
			if b.FirstChunkAt.IsZero() {
				b.FirstChunkAt = now
				if winner == "" && ev.chunk.Content != "" {
					winner = ev.pool
					if firstChunkTimer != nil {
						firstChunkTimer.Stop()
						timerC = nil
					}
					o.cancelOthers(winner, branches, branchCtxs, &ctxMu, cancelled)
				}
			}
			b.LastChunkAt = now
			b.ObservedBytes += len(ev.chunk.Content)

			if ev.chunk.Content != "" && ev.pool == winner {
				builder = append(builder, ev.chunk.Content...)
				if onChunk != nil {
					onChunk(ev.chunk.Content)
				}
			}
			if ev.chunk.Usage != nil {
				b.Usage = ev.chunk.Usage
			}
			if ev.chunk.Done {
				if b.Status == BranchPending {
					if ev.pool == winner {
						b.Status = BranchCompleted
					} else if cancelled.Contains(ev.pool) {
						b.Status = BranchCancelled
						b.WasAborted = true
					} else {
						b.Status = BranchCompleted
					}
				}
				remaining--
			}
		}
	}

	if winner == "" {
		return Result{}, gwerrors.New(gwerrors.RPCUnreachable, "ensemble.race", nil)
	}

	pricesByPool := make(map[string]PriceTable, len(pools))
	for _, p := range pools {
		pricesByPool[p.ID] = p.Prices
	}
	o.attributeCosts(branches, pricesByPool, winner)

	total, err := sumCosts(branches)
	if err != nil {
		return Result{}, err
	}
	return Result{
		WinnerPool:     winner,
		Content:        string(builder),
		Branches:       branches,
		TotalCostMicro: total,
	}, nil
}

// cancelOthers cancels every branch except keep, marking them cancelled in
// the bookkeeping set (spec.md §4.10 "winner latch ... all other streams
// are cancelled; cancellation signals propagate to the underlying
// subprocess/HTTP").
func (o *Orchestrator) cancelOthers(keep string, branches map[string]*Branch, ctxs map[string]context.CancelFunc, mu *sync.Mutex, cancelled mapset.Set[string]) {
	mu.Lock()
	defer mu.Unlock()
	for pool, cancel := range ctxs {
		if pool == keep {
			continue
		}
		if cancelled.Contains(pool) {
			continue
		}
		cancelled.Add(pool)
		if b := branches[pool]; b != nil && b.Status == BranchPending && b.FirstChunkAt.IsZero() {
			b.Overcount = OvercountPromptOnly
		} else if b := branches[pool]; b != nil && b.Status == BranchPending {
			b.Overcount = OvercountObservedChunks
		}
		cancel()
	}
}

func (o *Orchestrator) cancelRemaining(branches map[string]*Branch, ctxs map[string]context.CancelFunc, mu *sync.Mutex, cancelled mapset.Set[string]) {
	mu.Lock()
	defer mu.Unlock()
	for pool, cancel := range ctxs {
		if cancelled.Contains(pool) {
			continue
		}
		cancelled.Add(pool)
		cancel()
	}
}

// attributeCosts implements spec.md §4.10 cost attribution: the winner
// bills by provider-reported usage when available, else byte estimation;
// losers bill in overcount mode and are tagged was_aborted.
func (o *Orchestrator) attributeCosts(branches map[string]*Branch, prices map[string]PriceTable, winner string) {
	for pool, b := range branches {
		pt := prices[pool]
		if pt == nil {
			b.CostMicro = "0"
			continue
		}
		switch {
		case pool == winner:
			if b.Usage != nil {
				b.CostMicro = pt.CostFromUsage(*b.Usage)
			} else {
				b.CostMicro = pt.CostFromBytes(b.ObservedBytes)
			}
		case b.Status == BranchFailed:
			b.CostMicro = "0"
		default:
			b.WasAborted = true
			if b.Overcount == "" {
				if b.FirstChunkAt.IsZero() {
					b.Overcount = OvercountPromptOnly
				} else {
					b.Overcount = OvercountObservedChunks
				}
			}
			switch b.Overcount {
			case OvercountPromptOnly:
				b.CostMicro = pt.CostFromBytes(0)
			default:
				b.CostMicro = pt.CostFromBytes(b.ObservedBytes)
			}
			if b.Status == BranchPending {
				b.Status = BranchCancelled
			}
		}
	}
}

// sumCosts adds every branch's attributed cost with exact integer arithmetic
// (github.com/holiman/uint256, the same package ledger.Entry and
// creditledger use for every other micro-USD quantity in this codebase - see
// spec.md's "never floats" requirement). A branch carrying a malformed
// CostMicro aborts the sum with an error instead of silently contributing 0.
func sumCosts(branches map[string]*Branch) (string, error) {
	total := uint256.NewInt(0)
	for pool, b := range branches {
		v, overflow := uint256.FromDecimal(b.CostMicro)
		if overflow != nil {
			return "", gwerrors.New(gwerrors.BudgetInvalid, "ensemble.sum_costs", fmt.Errorf("branch %s: cost_micro %q: %w", pool, b.CostMicro, overflow))
		}
		total.Add(total, v)
	}
	return total.Dec(), nil
}

func formatMicro(v int64) string {
	return uint256.NewInt(uint64(v)).Dec()
}
