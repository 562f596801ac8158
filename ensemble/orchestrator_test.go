package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	delay    time.Duration
	content  string
	usage    *Usage
	fail     bool
	afterCxl func() // called if ctx is cancelled before completion, to assert propagation
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if p.fail {
		return nil, context.DeadlineExceeded
	}
	out := make(chan Chunk, 2)
	go func() {
		defer close(out)
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			if p.afterCxl != nil {
				p.afterCxl()
			}
			return
		}
		select {
		case out <- Chunk{Content: p.content}:
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return
		}
		select {
		case out <- Chunk{Done: true, Usage: p.usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

type flatPrices struct{ perByte int64 }

func (f flatPrices) CostFromUsage(u Usage) string {
	return formatMicro((u.PromptTokens + u.CompletionTokens) * f.perByte)
}
func (f flatPrices) CostFromBytes(n int) string { return formatMicro(int64(n) * f.perByte) }

// Scenario 6 from spec.md §8: three pools with first-chunk delays
// 0ms/50ms/100ms; winner is the first pool; the other two are cancelled
// and tagged was_aborted.
func TestRaceWinnerLatchAndCostAttribution(t *testing.T) {
	pools := []Pool{
		{ID: "fast", Provider: &scriptedProvider{delay: 0, content: "hello", usage: &Usage{PromptTokens: 1, CompletionTokens: 1}}, Prices: flatPrices{perByte: 10}},
		{ID: "mid", Provider: &scriptedProvider{delay: 50 * time.Millisecond, content: "world"}, Prices: flatPrices{perByte: 10}},
		{ID: "slow", Provider: &scriptedProvider{delay: 100 * time.Millisecond, content: "later"}, Prices: flatPrices{perByte: 10}},
	}

	o := New(nil)
	var forwarded string
	res, err := o.Race(context.Background(), pools, Request{Prompt: "hi"}, time.Second, func(s string) { forwarded += s })
	require.NoError(t, err)

	require.Equal(t, "fast", res.WinnerPool)
	require.Equal(t, "hello", forwarded)
	require.Equal(t, BranchCompleted, res.Branches["fast"].Status)

	for _, pool := range []string{"mid", "slow"} {
		b := res.Branches[pool]
		require.Equal(t, BranchCancelled, b.Status)
		require.True(t, b.WasAborted)
	}

	total, overflow := uint256.FromDecimal(res.TotalCostMicro)
	require.Nil(t, overflow)
	require.True(t, total.Sign() > 0)
}

func TestRaceErrorsWhenEveryBranchFails(t *testing.T) {
	pools := []Pool{
		{ID: "a", Provider: &scriptedProvider{fail: true}, Prices: flatPrices{perByte: 1}},
		{ID: "b", Provider: &scriptedProvider{fail: true}, Prices: flatPrices{perByte: 1}},
	}
	o := New(nil)
	_, err := o.Race(context.Background(), pools, Request{}, time.Second, nil)
	require.Error(t, err)
}

func TestRaceFirstChunkTimeoutErrorsBeforeAnyChunk(t *testing.T) {
	pools := []Pool{
		{ID: "a", Provider: &scriptedProvider{delay: time.Hour, content: "x"}, Prices: flatPrices{perByte: 1}},
	}
	o := New(nil)
	_, err := o.Race(context.Background(), pools, Request{}, 20*time.Millisecond, nil)
	require.Error(t, err)
}
