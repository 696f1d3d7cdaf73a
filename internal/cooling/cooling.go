// Package cooling provides the temperature decrease laws used by the
// annealing engine. A law maps the initial temperature and the iteration
// number (>= 1) to the current temperature and keeps no state.
package cooling

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Law names accepted by Parse.
const (
	NameBoltzmann = "boltzmann"
	NameCauchy    = "cauchy"
	NameMixed     = "mixed"
)

// DefaultName is the law used when none is configured.
const DefaultName = NameMixed

// ErrUnknownLaw is returned by Parse for an unrecognized name.
var ErrUnknownLaw = errors.New("unknown cooling law")

// Law is a temperature decrease law.
type Law interface {
	Temperature(initial float64, iteration int) float64
	Name() string
}

// Boltzmann cools as T0 / ln(1 + i).
type Boltzmann struct{}

func (Boltzmann) Temperature(initial float64, iteration int) float64 {
	return initial / math.Log1p(float64(iteration))
}

func (Boltzmann) Name() string { return NameBoltzmann }

// Cauchy cools as T0 / (1 + i).
type Cauchy struct{}

func (Cauchy) Temperature(initial float64, iteration int) float64 {
	return initial / (1 + float64(iteration))
}

func (Cauchy) Name() string { return NameCauchy }

// Mixed cools as T0 * ln(1 + i) / (1 + i).
type Mixed struct{}

func (Mixed) Temperature(initial float64, iteration int) float64 {
	i := float64(iteration)
	return initial * math.Log1p(i) / (1 + i)
}

func (Mixed) Name() string { return NameMixed }

// Names lists the known laws in a stable order.
func Names() []string {
	return []string{NameBoltzmann, NameCauchy, NameMixed}
}

// Parse resolves a law by name. The empty name selects DefaultName.
func Parse(name string) (Law, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameBoltzmann:
		return Boltzmann{}, nil
	case NameCauchy:
		return Cauchy{}, nil
	case NameMixed, "":
		return Mixed{}, nil
	default:
		return nil, fmt.Errorf("%w %q (want one of %s)", ErrUnknownLaw, name, strings.Join(Names(), ", "))
	}
}
