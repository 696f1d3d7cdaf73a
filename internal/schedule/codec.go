package schedule

// ============================================================================
// Solution exchange codec
//
// Frame layout (all integers are protobuf varints unless noted):
//
//   uvarint k
//   k times:
//     uvarint queueLength
//     queueLength times: uvarint taskIndex
//   fixed32 CRC32-IEEE (little endian) over every preceding byte
//
// The decoder rebuilds the binding while reading and rejects any frame that
// would break the one-task-one-queue invariant.
// ============================================================================

import (
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendBinary appends the encoded frame of s to b.
func (s *Solution) AppendBinary(b []byte) ([]byte, error) {
	start := len(b)
	b = protowire.AppendVarint(b, uint64(len(s.queues)))
	for _, queue := range s.queues {
		b = protowire.AppendVarint(b, uint64(len(queue)))
		for _, t := range queue {
			b = protowire.AppendVarint(b, uint64(t))
		}
	}
	return protowire.AppendFixed32(b, crc32.ChecksumIEEE(b[start:])), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Solution) MarshalBinary() ([]byte, error) {
	// k + n varints plus the checksum; enough for small instances without regrowth
	return s.AppendBinary(make([]byte, 0, 2*(len(s.queues)+len(s.binding))+8))
}

// UnmarshalBinary replaces the queues of s with the ones in data.
// The frame must describe the same k and n as s. On error s is left untouched.
func (s *Solution) UnmarshalBinary(data []byte) error {
	n := len(s.binding)
	if len(data) < 4 {
		return protocolErr(0, ErrTruncated, "frame of %d bytes", len(data))
	}
	body := data[:len(data)-4]

	off := 0
	next := func() (uint64, error) {
		v, m := protowire.ConsumeVarint(body[off:])
		if m < 0 {
			return 0, protocolErr(off, ErrTruncated, "%v", protowire.ParseError(m))
		}
		off += m
		return v, nil
	}

	k, err := next()
	if err != nil {
		return err
	}
	if k != uint64(len(s.queues)) {
		return protocolErr(0, ErrProcessorMismatch, "frame k=%d, expected %d", k, len(s.queues))
	}

	queues := make([][]int, len(s.queues))
	binding := make([]int, n)
	seen := make([]bool, n)
	remaining := n
	for p := range queues {
		at := off
		length, err := next()
		if err != nil {
			return err
		}
		if length > uint64(remaining) {
			return protocolErr(at, ErrQueueOverflow, "processor %d declares %d tasks, %d remaining", p, length, remaining)
		}
		queue := make([]int, 0, length)
		for i := uint64(0); i < length; i++ {
			at := off
			v, err := next()
			if err != nil {
				return err
			}
			if v >= uint64(n) {
				return protocolErr(at, ErrTaskOutOfRange, "task %d, n=%d", v, n)
			}
			t := int(v)
			if seen[t] {
				return protocolErr(at, ErrDuplicateTask, "task %d", t)
			}
			seen[t] = true
			binding[t] = p
			queue = append(queue, t)
		}
		remaining -= int(length)
		queues[p] = queue
	}
	if remaining != 0 {
		return protocolErr(off, ErrMissingTasks, "%d of %d tasks unassigned", remaining, n)
	}
	if off != len(body) {
		return protocolErr(off, ErrTrailingBytes, "%d extra bytes", len(body)-off)
	}

	sum, _ := protowire.ConsumeFixed32(data[len(body):])
	if want := crc32.ChecksumIEEE(body); sum != want {
		return protocolErr(len(body), ErrChecksumMismatch, "got 0x%08x, want 0x%08x", sum, want)
	}

	s.queues = queues
	s.binding = binding
	return nil
}

// Decode builds a solution for the given instance shape from an encoded frame.
func Decode(data []byte, processors int, durations []int) (*Solution, error) {
	s, err := New(processors, durations)
	if err != nil {
		return nil, err
	}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}
