package anneal

import (
	"math/rand"

	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
)

// Mutator produces a neighbour of src in dst and returns dst.
type Mutator interface {
	Mutate(src, dst *schedule.Solution) *schedule.Solution
}

// MoveMutator moves one uniformly chosen task to one uniformly chosen
// processor. Choosing the task's own processor is a legal neighbour.
type MoveMutator struct {
	rng *rand.Rand
}

// NewMoveMutator returns a MoveMutator drawing from rng.
func NewMoveMutator(rng *rand.Rand) *MoveMutator {
	return &MoveMutator{rng: rng}
}

// Mutate copies src into dst and moves one task.
func (m *MoveMutator) Mutate(src, dst *schedule.Solution) *schedule.Solution {
	dst.CopyFrom(src)
	task := m.rng.Intn(dst.Tasks())
	proc := m.rng.Intn(dst.Processors())
	dst.MoveTask(task, proc)
	return dst
}
