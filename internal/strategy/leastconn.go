package strategy

import (
	"fmt"

	"github.com/angeloszaimis/router-lab/internal/target"
)

type leastConnStrategy struct {
	targets  target.Set
	inFlight map[target.ID]int
}

// Select returns the first target with the fewest in-flight requests and
// counts the new request against it before returning.
func (l *leastConnStrategy) Select() target.ID {
	best := l.targets[0]
	bestConns := l.inFlight[best]

	for _, id := range l.targets[1:] {
		if conns := l.inFlight[id]; conns < bestConns {
			best = id
			bestConns = conns
		}
	}

	l.inFlight[best]++
	return best
}

// OnComplete releases one in-flight request. A completion without a
// matching selection leaves the count at zero and reports ErrNotInFlight.
func (l *leastConnStrategy) OnComplete(id target.ID) error {
	if l.inFlight[id] <= 0 {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}

	l.inFlight[id]--
	return nil
}

func (l *leastConnStrategy) Name() string {
	return LeastConnections
}

func (l *leastConnStrategy) InFlight(id target.ID) int {
	return l.inFlight[id]
}

func (l *leastConnStrategy) InFlightTotal() int {
	total := 0
	for _, n := range l.inFlight {
		total += n
	}
	return total
}

// NewLeastConnStrategy routes to the target with the fewest in-flight
// requests, breaking ties by configured order. targets must not be empty.
func NewLeastConnStrategy(targets target.Set) Strategy {
	inFlight := make(map[target.ID]int, len(targets))
	for _, id := range targets {
		inFlight[id] = 0
	}

	return &leastConnStrategy{
		targets:  targets,
		inFlight: inFlight,
	}
}
