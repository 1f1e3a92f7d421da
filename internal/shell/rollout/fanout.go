// Package rollout pushes artifacts and layer versions to the fleet: the unit
// updater, the layer publisher and the layer binder.
package rollout

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// DefaultMaxConcurrent bounds per-unit fan-out when no limit is configured.
const DefaultMaxConcurrent = 4

// unitFunc performs one unit's work and reports its outcome. It never
// returns an error: failures are recorded in the outcome.
type unitFunc func(ctx context.Context, name string) domain.UnitOutcome

// fanOut runs fn for every name with at most maxConcurrent in flight and
// returns one outcome per name, sorted by unit. A failing unit never stops
// its siblings. Units still waiting for a slot when ctx ends are recorded as
// failed and not attempted.
func fanOut(ctx context.Context, names []string, maxConcurrent int, fn unitFunc) []domain.UnitOutcome {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	results := make(chan domain.UnitOutcome, len(names))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()

			// Acquire semaphore
			select {
			case <-ctx.Done():
				results <- notAttempted(n, ctx.Err())
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			if err := ctx.Err(); err != nil {
				results <- notAttempted(n, err)
				return
			}
			results <- fn(ctx, n)
		}(name)
	}

	wg.Wait()
	close(results)

	outcomes := make([]domain.UnitOutcome, 0, len(names))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Unit < outcomes[j].Unit })
	return outcomes
}

func notAttempted(unit string, err error) domain.UnitOutcome {
	return domain.UnitOutcome{
		Unit:      unit,
		Status:    domain.OutcomeFailed,
		Attempted: false,
		Cause:     "not attempted: " + err.Error(),
		ErrorKind: domain.KindCancelled,
	}
}

func failedOutcome(unit string, attempted bool, err error) domain.UnitOutcome {
	return domain.UnitOutcome{
		Unit:      unit,
		Status:    domain.OutcomeFailed,
		Attempted: attempted,
		Cause:     err.Error(),
		ErrorKind: domain.KindOf(err),
	}
}
