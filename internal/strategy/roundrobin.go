package strategy

import (
	"github.com/angeloszaimis/router-lab/internal/target"
)

type roundRobinStrategy struct {
	targets target.Set
	cursor  int
}

func (rb *roundRobinStrategy) Select() target.ID {
	id := rb.targets[rb.cursor]
	rb.cursor = (rb.cursor + 1) % len(rb.targets)
	return id
}

func (rb *roundRobinStrategy) OnComplete(target.ID) error {
	return nil
}

func (rb *roundRobinStrategy) Name() string {
	return RoundRobin
}

// NewRoundRobinStrategy rotates through targets in the given order.
// targets must not be empty.
func NewRoundRobinStrategy(targets target.Set) Strategy {
	return &roundRobinStrategy{
		targets: targets,
	}
}
