package ensemble

import (
	"context"
	"encoding/json"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/idempotency"
)

// ConsensusResult is the most-agreed structured value across attempts, plus
// the number of attempts that agreed with it.
type ConsensusResult struct {
	Value      interface{}
	Agreement  int
	TotalVotes int
}

// Consensus parses every attempt's content as JSON and returns the most
// agreed value (spec.md §4.10 "consensus"). Equality is decided on the
// canonical form (idempotency.Canonicalize) so key order and whitespace
// don't split identical values into separate buckets. Ties break on
// source order via the first attempt to reach the winning bucket.
func Consensus(ctx context.Context, attempts []Attempt) (ConsensusResult, error) {
	if len(attempts) == 0 {
		return ConsensusResult{}, gwerrors.New(gwerrors.BudgetInvalid, "ensemble.consensus", nil)
	}

	type bucket struct {
		value interface{}
		count int
		order int
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0, len(attempts))

	for _, a := range attempts {
		var parsed interface{}
		if err := json.Unmarshal([]byte(a.Content), &parsed); err != nil {
			continue
		}
		canon, err := idempotency.Canonicalize(parsed)
		if err != nil {
			continue
		}
		if b, ok := buckets[canon]; ok {
			b.count++
			continue
		}
		buckets[canon] = &bucket{value: parsed, count: 1, order: a.Order}
		order = append(order, canon)
	}

	if len(buckets) == 0 {
		return ConsensusResult{}, gwerrors.New(gwerrors.BudgetInvalid, "ensemble.consensus", nil)
	}

	var winner *bucket
	for _, key := range order {
		b := buckets[key]
		if winner == nil || b.count > winner.count || (b.count == winner.count && b.order < winner.order) {
			winner = b
		}
	}
	return ConsensusResult{Value: winner.value, Agreement: winner.count, TotalVotes: len(attempts)}, nil
}
