// Package gates is the catalogue of logic gates available to circuit search,
// with their truth-table behavior and gate-equivalent cost (UMC library).
//
// Gates operate on whole 16-bit columns, so one application updates all
// sixteen truth-table rows of a wire at once.
package gates

import (
	"errors"
	"fmt"

	"revsynth/internal/model"
)

type Kind uint8

const (
	Identity Kind = iota
	Not
	CNOT
	Toffoli
	And
	Xor
	Or
	Nand
	Nor
	Xnor
)

var ErrArity = errors.New("gate given too few inputs")

type entry struct {
	name  string
	arity int
	cost  float64
	apply func(in []uint16) []uint16
}

var catalogue = map[Kind]entry{
	Identity: {name: "identity", arity: 1, cost: 0, apply: func(in []uint16) []uint16 {
		return []uint16{in[0]}
	}},
	Not: {name: "not", arity: 1, cost: 0.67, apply: func(in []uint16) []uint16 {
		return []uint16{^in[0]}
	}},
	CNOT: {name: "cnot", arity: 2, cost: 2.67, apply: func(in []uint16) []uint16 {
		return []uint16{in[0], in[0] ^ in[1]}
	}},
	Toffoli: {name: "toffoli", arity: 3, cost: 4.0, apply: toffoli},
	And:     {name: "and", arity: 2, cost: 1.33, apply: and},
	Xor:     {name: "xor", arity: 2, cost: 2.67, apply: xor},
	Or: {name: "or", arity: 2, cost: 1.33, apply: func(in []uint16) []uint16 {
		return []uint16{in[0] | in[1]}
	}},
	Nand: {name: "nand", arity: 2, cost: 1.0, apply: func(in []uint16) []uint16 {
		return []uint16{^(in[0] & in[1])}
	}},
	Nor: {name: "nor", arity: 2, cost: 1.0, apply: func(in []uint16) []uint16 {
		return []uint16{^(in[0] | in[1])}
	}},
	Xnor: {name: "xnor", arity: 2, cost: 2.0, apply: func(in []uint16) []uint16 {
		return []uint16{^(in[0] ^ in[1])}
	}},
}

// toffoli passes every input through and XORs the AND of all but the last
// input into the last one. Any n >= 3 inputs are accepted.
func toffoli(in []uint16) []uint16 {
	prod := in[0]
	for _, v := range in[1 : len(in)-1] {
		prod = and([]uint16{prod, v})[0]
	}
	out := make([]uint16, len(in))
	copy(out, in)
	out[len(in)-1] = xor([]uint16{prod, in[len(in)-1]})[0]
	return out
}

func and(in []uint16) []uint16 { return []uint16{in[0] & in[1]} }

func xor(in []uint16) []uint16 { return []uint16{in[0] ^ in[1]} }

func lookup(k Kind) entry {
	e, ok := catalogue[k]
	if !ok {
		panic(fmt.Sprintf("gates: unknown kind %d", k))
	}
	return e
}

// Apply runs the gate on the given columns. Inputs beyond the arity are
// passed to Toffoli as extra controls and ignored by the other gates.
func Apply(k Kind, in ...uint16) ([]uint16, error) {
	e := lookup(k)
	if len(in) < e.arity {
		return nil, fmt.Errorf("%w: %s needs %d, got %d", ErrArity, e.name, e.arity, len(in))
	}
	return e.apply(in), nil
}

func (k Kind) String() string { return lookup(k).name }

func (k Kind) Arity() int { return lookup(k).arity }

// Cost is the gate-equivalent area of one instance of the gate.
func (k Kind) Cost() float64 { return lookup(k).cost }

// AddCost adds the cost of each gate to total.
func AddCost(total float64, kinds ...Kind) float64 {
	for _, k := range kinds {
		total += k.Cost()
	}
	return model.RoundCost(total)
}
