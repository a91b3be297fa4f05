// Package successor enumerates every state reachable from a 4-wire state by
// one layer of reversible gates.
//
// A layer is one of four shapes: a Toffoli gate with an optional NOT on the
// spare wire, one CNOT with optional NOTs on the other two wires, two
// disjoint CNOTs, or NOT/identity on each wire independently. Every shape is
// tried under every assignment of wires to gate roles, and the outputs are
// mapped back onto wires a, b, c, d before being returned.
package successor

import (
	"errors"
	"fmt"
	"strings"

	"revsynth/internal/gates"
	"revsynth/internal/model"
	"revsynth/internal/spectrum"
)

// PerState is the number of successors generated for any state.
const PerState = 48 + 96 + 12 + 16

type Successor struct {
	State model.State
	Path  string
	Cost  float64
	Score spectrum.Bounds
}

type Generator struct {
	dir model.Direction
}

func New(dir model.Direction) *Generator {
	return &Generator{dir: dir}
}

func (g *Generator) Direction() model.Direction { return g.dir }

// Expand returns every successor of state. Successors that fail to score
// are dropped and their errors joined into the returned error; the rest are
// still returned.
func (g *Generator) Expand(state model.State, prefix string, cost float64) ([]Successor, error) {
	raw := make([]layer, 0, PerState)
	wires := state.Columns()
	raw = toffoliNot(raw, wires)
	raw = cnotNot(raw, wires)
	raw = twoCNOT(raw, wires)
	raw = notIdentity(raw, wires)

	out := make([]Successor, 0, len(raw))
	var errs []error
	for _, l := range raw {
		next := l.uncross()
		score, err := spectrum.MultiSpectrum(next.Columns())
		if err != nil {
			errs = append(errs, fmt.Errorf("score %s after %q: %w", next, l.text, err))
			continue
		}
		out = append(out, Successor{
			State: next,
			Path:  g.extend(prefix, l.text),
			Cost:  gates.AddCost(cost, l.gates...),
			Score: score,
		})
	}
	return out, errors.Join(errs...)
}

// ExpandNode expands a stored row into rows for the next level.
func (g *Generator) ExpandNode(parent model.Node) ([]model.Node, error) {
	succs, err := g.Expand(parent.State, parent.Path, parent.Cost)
	nodes := make([]model.Node, len(succs))
	for i, s := range succs {
		nodes[i] = model.Node{
			State: s.State,
			Path:  s.Path,
			Level: parent.Level + 1,
			Cost:  s.Cost,
			Walsh: s.Score.Walsh,
			Auto:  s.Score.Auto,
		}
	}
	return nodes, err
}

// extend places the new layer after the prefix going forward and before it
// going backward, so joined paths always read in circuit order.
func (g *Generator) extend(prefix, text string) string {
	if g.dir == model.Backward {
		return text + prefix
	}
	return prefix + text
}

// layer is one applied gate layer before uncrossing. roles[k] is the wire
// that played role k and out[k] its new value.
type layer struct {
	roles [4]int
	out   [4]uint16
	gates []gates.Kind
	text  string
}

func (l layer) uncross() model.State {
	var cols [4]uint16
	for k, w := range l.roles {
		cols[w] = l.out[k]
	}
	return model.StateFromColumns(cols)
}

func apply(k gates.Kind, in ...uint16) []uint16 {
	out, err := gates.Apply(k, in...)
	if err != nil {
		// Role counts are fixed by the enumerations below.
		panic(err)
	}
	return out
}

func not(v uint16) uint16 { return apply(gates.Not, v)[0] }

func name(w int) string { return model.Wires[w] }

func notName(w int) string { return "not(" + name(w) + ")" }

func toffoliNot(dst []layer, v [4]uint16) []layer {
	for _, p := range permutations4() {
		t := apply(gates.Toffoli, v[p[0]], v[p[1]], v[p[2]])
		head := fmt.Sprintf("toffoli(%s,%s,%s), ", name(p[0]), name(p[1]), name(p[2]))
		dst = append(dst,
			layer{
				roles: p,
				out:   [4]uint16{t[0], t[1], t[2], not(v[p[3]])},
				gates: []gates.Kind{gates.Toffoli, gates.Not},
				text:  head + notName(p[3]) + "; ",
			},
			layer{
				roles: p,
				out:   [4]uint16{t[0], t[1], t[2], v[p[3]]},
				gates: []gates.Kind{gates.Toffoli},
				text:  head + name(p[3]) + "; ",
			},
		)
	}
	return dst
}

func cnotNot(dst []layer, v [4]uint16) []layer {
	pairs := orderedPairs()
	for _, p := range pairs {
		for _, q := range pairs {
			if !disjoint(p, q) {
				continue
			}
			roles := [4]int{p[0], p[1], q[0], q[1]}
			c := apply(gates.CNOT, v[p[0]], v[p[1]])
			head := fmt.Sprintf("cnot(%s,%s), ", name(p[0]), name(p[1]))
			x, y := v[q[0]], v[q[1]]
			dst = append(dst,
				layer{roles: roles, out: [4]uint16{c[0], c[1], x, y},
					gates: []gates.Kind{gates.CNOT},
					text:  head + name(q[0]) + ", " + name(q[1]) + "; "},
				layer{roles: roles, out: [4]uint16{c[0], c[1], x, not(y)},
					gates: []gates.Kind{gates.CNOT, gates.Not},
					text:  head + name(q[0]) + ", " + notName(q[1]) + "; "},
				layer{roles: roles, out: [4]uint16{c[0], c[1], not(x), y},
					gates: []gates.Kind{gates.CNOT, gates.Not},
					text:  head + notName(q[0]) + ", " + name(q[1]) + "; "},
				layer{roles: roles, out: [4]uint16{c[0], c[1], not(x), not(y)},
					gates: []gates.Kind{gates.CNOT, gates.Not, gates.Not},
					text:  head + notName(q[0]) + ", " + notName(q[1]) + "; "},
			)
		}
	}
	return dst
}

func twoCNOT(dst []layer, v [4]uint16) []layer {
	pairs := orderedPairs()
	for i, p := range pairs {
		for _, q := range pairs[i+1:] {
			if !disjoint(p, q) {
				continue
			}
			c1 := apply(gates.CNOT, v[p[0]], v[p[1]])
			c2 := apply(gates.CNOT, v[q[0]], v[q[1]])
			dst = append(dst, layer{
				roles: [4]int{p[0], p[1], q[0], q[1]},
				out:   [4]uint16{c1[0], c1[1], c2[0], c2[1]},
				gates: []gates.Kind{gates.CNOT, gates.CNOT},
				text: fmt.Sprintf("cnot(%s,%s), cnot(%s,%s); ",
					name(p[0]), name(p[1]), name(q[0]), name(q[1])),
			})
		}
	}
	return dst
}

// notIdentity walks the 16 masks from all-negated to all-identity; a zero
// bit (MSB is wire a) negates that wire.
func notIdentity(dst []layer, v [4]uint16) []layer {
	for mask := 0; mask < 16; mask++ {
		l := layer{roles: [4]int{0, 1, 2, 3}}
		parts := make([]string, 4)
		for w := 0; w < 4; w++ {
			if mask&(1<<(3-w)) == 0 {
				l.out[w] = not(v[w])
				l.gates = append(l.gates, gates.Not)
				parts[w] = notName(w)
				continue
			}
			l.out[w] = apply(gates.Identity, v[w])[0]
			parts[w] = name(w)
		}
		l.text = strings.Join(parts, ", ") + "; "
		dst = append(dst, l)
	}
	return dst
}

func disjoint(p, q [2]int) bool {
	return p[0] != q[0] && p[0] != q[1] && p[1] != q[0] && p[1] != q[1]
}

// orderedPairs lists the 12 ordered pairs of distinct wires in
// lexicographic order.
func orderedPairs() [][2]int {
	out := make([][2]int, 0, 12)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i != j {
				out = append(out, [2]int{i, j})
			}
		}
	}
	return out
}

// permutations4 lists the 24 orderings of the wires in lexicographic order.
func permutations4() [][4]int {
	out := make([][4]int, 0, 24)
	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			for c := 0; c < 4; c++ {
				if a == b || a == c || b == c {
					continue
				}
				out = append(out, [4]int{a, b, c, 6 - a - b - c})
			}
		}
	}
	return out
}
