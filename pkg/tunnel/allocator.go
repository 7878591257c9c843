package tunnel

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/storage"
)

// ErrExhausted is returned when an organization's tunnel number space
// is full. Terminal: callers must not retry.
var ErrExhausted = errors.New("tunnel allocation exhausted")

// Allocator hands out per-organization tunnel numbers. Freed numbers
// (deactivated tunnels) are recycled before the counter grows, so churn
// does not consume the bounded range.
type Allocator struct {
	store  storage.Store
	bound  int
	logger zerolog.Logger
}

// NewAllocator creates a tunnel number allocator bounded to the given
// per-organization range.
func NewAllocator(store storage.Store, bound int) *Allocator {
	return &Allocator{
		store:  store,
		bound:  bound,
		logger: log.WithComponent("allocator"),
	}
}

// Allocate reserves a tunnel number for the organization. Reclaiming an
// inactive row and incrementing the counter each happen inside a single
// storage transaction, so concurrent allocations never receive the same
// number. A failed counter increment is retried once, then gives up;
// range exhaustion is terminal and never retried.
func (a *Allocator) Allocate(org string) (int, error) {
	num, found, err := a.store.ReclaimTunnelNum(org)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim tunnel number: %w", err)
	}
	if found {
		a.logger.Debug().Str("org", org).Int("num", num).Msg("reclaimed freed tunnel number")
		return num, nil
	}

	num, err = a.store.NextTunnelNum(org, a.bound)
	if err == nil {
		return num, nil
	}
	if errors.Is(err, storage.ErrRangeExhausted) {
		return 0, fmt.Errorf("%w: org %s at bound %d", ErrExhausted, org, a.bound)
	}

	a.logger.Warn().Err(err).Str("org", org).Msg("counter increment failed, retrying once")
	num, err = a.store.NextTunnelNum(org, a.bound)
	if err != nil {
		if errors.Is(err, storage.ErrRangeExhausted) {
			return 0, fmt.Errorf("%w: org %s at bound %d", ErrExhausted, org, a.bound)
		}
		return 0, fmt.Errorf("failed to allocate tunnel number: %w", err)
	}
	return num, nil
}
