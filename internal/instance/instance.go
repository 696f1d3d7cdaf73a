// Package instance reads, writes and generates problem instances.
//
// The file format is a single comma or whitespace separated list of
// integers: the processor count k followed by the task durations.
//
//	3, 5, 5, 5
package instance

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
)

var (
	// ErrEmpty means the input holds no processor count.
	ErrEmpty = errors.New("instance: empty input")
	// ErrSyntax means a token is not an integer.
	ErrSyntax = errors.New("instance: syntax error")
)

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || unicode.IsSpace(r)
}

// Parse reads an instance and validates it.
func Parse(r io.Reader) (*types.Instance, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read instance: %w", err)
	}
	fields := strings.FieldsFunc(string(data), isSeparator)
	if len(fields) == 0 {
		return nil, ErrEmpty
	}

	values := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d %q is not an integer", ErrSyntax, i+1, f)
		}
		values[i] = v
	}
	return types.NewInstance(values[0], values[1:])
}

// Load parses the instance file at path.
func Load(path string) (*types.Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	inst, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inst, nil
}

// Write emits inst on a single line.
func Write(w io.Writer, inst *types.Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(strconv.Itoa(inst.Processors))
	for _, d := range inst.Durations {
		bw.WriteString(", ")
		bw.WriteString(strconv.Itoa(d))
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

// Save writes inst to path, replacing any existing file.
func Save(path string, inst *types.Instance) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, inst); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Generate draws n durations uniformly from [lo, hi].
func Generate(k, n, lo, hi int, rng *rand.Rand) (*types.Instance, error) {
	if n <= 0 || n > types.MaxTasks {
		return nil, fmt.Errorf("%w: task count must be in [1, %d] (got %d)", types.ErrInvalidInstance, types.MaxTasks, n)
	}
	if k <= 0 || k > types.MaxProcessors {
		return nil, fmt.Errorf("%w: processors must be in [1, %d] (got %d)", types.ErrInvalidInstance, types.MaxProcessors, k)
	}
	if lo <= 0 || hi < lo {
		return nil, fmt.Errorf("%w: duration range [%d, %d]", types.ErrInvalidInstance, lo, hi)
	}
	durations := make([]int, n)
	for i := range durations {
		durations[i] = lo + rng.Intn(hi-lo+1)
	}
	return types.NewInstance(k, durations)
}
