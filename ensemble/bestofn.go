package ensemble

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Attempt is one completed (non-streaming) branch output, ready to be
// scored by BestOfN or parsed by Consensus.
type Attempt struct {
	Pool    string
	Content string
	Order   int // source order, used to break score ties deterministically
}

// Scorer scores one attempt asynchronously (e.g. an LLM judge call).
type Scorer interface {
	Score(ctx context.Context, a Attempt) (float64, error)
}

// BestOfN awaits all branches (via CollectAll), scores each concurrently
// with an errgroup, and selects the highest score; ties break on source
// order for determinism (spec.md §4.10 "best_of_n").
func BestOfN(ctx context.Context, attempts []Attempt, scorer Scorer) (Attempt, error) {
	scores := make([]float64, len(attempts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range attempts {
		i, a := i, a
		g.Go(func() error {
			s, err := scorer.Score(gctx, a)
			if err != nil {
				return err
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Attempt{}, err
	}

	best := 0
	for i := 1; i < len(attempts); i++ {
		if scores[i] > scores[best] ||
			(scores[i] == scores[best] && attempts[i].Order < attempts[best].Order) {
			best = i
		}
	}
	return attempts[best], nil
}

// CollectAll runs every pool to completion (no racing, no cancellation on
// first chunk) and returns one Attempt per pool in source order, for
// best_of_n / consensus which both need every branch's full output.
func CollectAll(ctx context.Context, pools []Pool, req Request) ([]Attempt, error) {
	attempts := make([]Attempt, len(pools))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pools {
		i, p := i, p
		g.Go(func() error {
			stream, err := p.Provider.Stream(gctx, req)
			if err != nil {
				return err
			}
			var content []byte
			for chunk := range stream {
				content = append(content, chunk.Content...)
				if chunk.Done {
					break
				}
			}
			attempts[i] = Attempt{Pool: p.ID, Content: string(content), Order: i}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return attempts, nil
}
