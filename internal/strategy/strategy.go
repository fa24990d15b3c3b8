package strategy

import (
	"errors"
	"fmt"

	"github.com/angeloszaimis/router-lab/internal/target"
)

const (
	RoundRobin       = "round-robin"
	LeastConnections = "least-connections"
)

var (
	ErrNoTargets       = errors.New("strategy requires at least one target")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrNotInFlight     = errors.New("completion for target with no in-flight requests")
)

// Strategy picks the target for the next request. Implementations are not
// safe for concurrent use; callers serialize Select and OnComplete.
type Strategy interface {
	// Select returns a member of the configured target set.
	Select() target.ID

	// OnComplete is invoked once after a request to id finishes,
	// whatever the outcome.
	OnComplete(id target.ID) error

	Name() string
}

// InFlightReporter is implemented by strategies that track requests
// dispatched but not yet completed.
type InFlightReporter interface {
	InFlight(id target.ID) int
	InFlightTotal() int
}

// Names lists the accepted strategy names.
func Names() []string {
	return []string{RoundRobin, LeastConnections}
}

// New builds the strategy called name over targets. It is the only place
// an empty target set or an unknown name is rejected.
func New(name string, targets target.Set) (Strategy, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	switch name {
	case RoundRobin:
		return NewRoundRobinStrategy(targets), nil
	case LeastConnections:
		return NewLeastConnStrategy(targets), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
