// Package schedule holds the assignment of tasks to processors and the
// total flow time objective computed over it.
package schedule

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
)

// Solution is an assignment of every task to exactly one processor queue.
//
// A Solution is owned by a single goroutine at a time. Durations are shared
// read-only between clones; queues and binding are private to each copy.
type Solution struct {
	durations []int
	queues    [][]int // per processor, in execution order
	binding   []int   // task -> processor
}

// New returns the initial assignment: every task on processor 0 in index order.
func New(processors int, durations []int) (*Solution, error) {
	if _, err := types.NewInstance(processors, durations); err != nil {
		return nil, err
	}

	s := &Solution{
		durations: durations,
		queues:    make([][]int, processors),
		binding:   make([]int, len(durations)),
	}
	first := make([]int, len(durations))
	for t := range first {
		first[t] = t
	}
	s.queues[0] = first
	return s, nil
}

// FromInstance is New over a loaded instance.
func FromInstance(inst *types.Instance) (*Solution, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: instance is nil", types.ErrInvalidInstance)
	}
	return New(inst.Processors, inst.Durations)
}

// FromQueues rebuilds a solution from explicit per-processor queues, as
// stored in a result file. The queues are copied and fully validated.
func FromQueues(processors int, durations []int, queues [][]int) (*Solution, error) {
	s, err := New(processors, durations)
	if err != nil {
		return nil, err
	}
	if len(queues) != processors {
		return nil, fmt.Errorf("schedule: %d queues for %d processors", len(queues), processors)
	}
	for i := range s.binding {
		s.binding[i] = -1
	}
	for p, queue := range queues {
		s.queues[p] = append([]int(nil), queue...)
		for _, t := range queue {
			if t < 0 || t >= len(s.binding) {
				return nil, fmt.Errorf("schedule: processor %d holds unknown task %d", p, t)
			}
			s.binding[t] = p
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Processors returns k.
func (s *Solution) Processors() int { return len(s.queues) }

// Tasks returns n.
func (s *Solution) Tasks() int { return len(s.binding) }

// Duration returns the processing time of task t.
func (s *Solution) Duration(t int) int { return s.durations[t] }

// ProcessorOf returns the processor currently holding task t.
func (s *Solution) ProcessorOf(t int) int { return s.binding[t] }

// Queue returns a copy of processor p's queue.
func (s *Solution) Queue(p int) []int {
	return append([]int(nil), s.queues[p]...)
}

// Queues returns a deep copy of all processor queues.
func (s *Solution) Queues() [][]int {
	out := make([][]int, len(s.queues))
	for p := range s.queues {
		out[p] = s.Queue(p)
	}
	return out
}

// Metric returns the total flow time: the sum over all tasks of their
// completion time on their processor.
func (s *Solution) Metric() int64 {
	var total int64
	for _, queue := range s.queues {
		var start int64
		for _, t := range queue {
			d := int64(s.durations[t])
			total += start + d
			start += d
		}
	}
	return total
}

// Clone returns an independent deep copy.
func (s *Solution) Clone() *Solution {
	c := &Solution{
		durations: s.durations,
		queues:    make([][]int, len(s.queues)),
		binding:   append([]int(nil), s.binding...),
	}
	for p, queue := range s.queues {
		c.queues[p] = append(make([]int, 0, cap(queue)), queue...)
	}
	return c
}

// CopyFrom makes s an exact copy of src, reusing the buffers of s.
// Both solutions must describe the same instance.
func (s *Solution) CopyFrom(src *Solution) {
	if s == src {
		return
	}
	if len(s.queues) != len(src.queues) || len(s.binding) != len(src.binding) {
		panic(fmt.Sprintf("schedule: copy between different shapes (k=%d,n=%d) <- (k=%d,n=%d)",
			len(s.queues), len(s.binding), len(src.queues), len(src.binding)))
	}
	s.durations = src.durations
	copy(s.binding, src.binding)
	for p := range src.queues {
		s.queues[p] = append(s.queues[p][:0], src.queues[p]...)
	}
}

// MoveTask removes task t from its processor and appends it to processor p.
// Moving a task onto its own processor re-appends it at the end of that queue.
//
// Indices out of range or a binding that disagrees with the queues are
// programming errors and panic.
func (s *Solution) MoveTask(t, p int) {
	if t < 0 || t >= len(s.binding) {
		panic(fmt.Sprintf("schedule: task %d out of range [0,%d)", t, len(s.binding)))
	}
	if p < 0 || p >= len(s.queues) {
		panic(fmt.Sprintf("schedule: processor %d out of range [0,%d)", p, len(s.queues)))
	}

	from := s.binding[t]
	queue := s.queues[from]
	pos := -1
	for i, v := range queue {
		if v == t {
			pos = i
			break
		}
	}
	if pos < 0 {
		panic(fmt.Sprintf("schedule: task %d bound to processor %d but missing from its queue", t, from))
	}

	s.queues[from] = append(queue[:pos], queue[pos+1:]...)
	s.queues[p] = append(s.queues[p], t)
	s.binding[t] = p
}

// Validate checks that every task appears exactly once in exactly one queue
// and that the binding agrees with the queues.
func (s *Solution) Validate() error {
	seen := make([]bool, len(s.binding))
	count := 0
	for p, queue := range s.queues {
		for _, t := range queue {
			if t < 0 || t >= len(s.binding) {
				return fmt.Errorf("schedule: processor %d holds unknown task %d", p, t)
			}
			if seen[t] {
				return fmt.Errorf("schedule: task %d scheduled twice", t)
			}
			seen[t] = true
			count++
			if s.binding[t] != p {
				return fmt.Errorf("schedule: task %d bound to %d but queued on %d", t, s.binding[t], p)
			}
		}
	}
	if count != len(s.binding) {
		return fmt.Errorf("schedule: %d of %d tasks scheduled", count, len(s.binding))
	}
	return nil
}

// String renders one line per processor as "p: task:duration ...".
func (s *Solution) String() string {
	var b strings.Builder
	for p, queue := range s.queues {
		fmt.Fprintf(&b, "%d:", p)
		for _, t := range queue {
			fmt.Fprintf(&b, " %d:%d", t, s.durations[t])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
