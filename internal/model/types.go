package model

import (
	"fmt"
	"math"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Direction names which end of the meet-in-the-middle search a tree grows from.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// StateSpaceSize is the number of 4-output reversible functions (16!).
const StateSpaceSize int64 = 20922789888000

// Wires are the canonical wire labels, in column order.
var Wires = [4]string{"a", "b", "c", "d"}

// State holds the four output columns of a 4-wire function. Each column is
// a 16-row truth table, MSB first.
type State struct {
	A uint16 `json:"a"`
	B uint16 `json:"b"`
	C uint16 `json:"c"`
	D uint16 `json:"d"`
}

// ReferenceState is the identity function in bit-slice form.
var ReferenceState = State{A: 0x00FF, B: 0x0F0F, C: 0x3333, D: 0x5555}

func StateFromColumns(cols [4]uint16) State {
	return State{A: cols[0], B: cols[1], C: cols[2], D: cols[3]}
}

func (s State) Columns() [4]uint16 {
	return [4]uint16{s.A, s.B, s.C, s.D}
}

// Key packs the four columns into one integer, a first.
func (s State) Key() uint64 {
	return uint64(s.A)<<48 | uint64(s.B)<<32 | uint64(s.C)<<16 | uint64(s.D)
}

func (s State) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.A, s.B, s.C, s.D)
}

type Node struct {
	VersionedRecord
	ID    int64   `json:"id"`
	State State   `json:"state"`
	Path  string  `json:"path"`
	Level int     `json:"level"`
	Cost  float64 `json:"ge"`
	Walsh int     `json:"walsh"`
	Auto  int     `json:"auto"`
}

// Less orders two rows holding the same state: cheaper first, then
// shallower, then earlier inserted.
func (n Node) Less(other Node) bool {
	if n.Cost != other.Cost {
		return n.Cost < other.Cost
	}
	if n.Level != other.Level {
		return n.Level < other.Level
	}
	return n.ID < other.ID
}

// BetterAlternative orders candidate substitutes by Walsh bound, then
// autocorrelation bound, then level.
func (n Node) BetterAlternative(other Node) bool {
	if n.Walsh != other.Walsh {
		return n.Walsh < other.Walsh
	}
	if n.Auto != other.Auto {
		return n.Auto < other.Auto
	}
	if n.Level != other.Level {
		return n.Level < other.Level
	}
	return n.ID < other.ID
}

// MergeRecord is a state present in both trees with the concatenated path.
type MergeRecord struct {
	State     State   `json:"state"`
	Path      string  `json:"path"`
	TotalCost float64 `json:"total_ge"`
}

// Merge joins a forward row and a backward row that share a state.
func Merge(forward, backward Node) MergeRecord {
	return MergeRecord{
		State:     forward.State,
		Path:      JoinPaths(forward.Path, backward.Path),
		TotalCost: RoundCost(forward.Cost + backward.Cost),
	}
}

// JoinPaths concatenates a forward and backward path the same way the
// sqlite Common table does.
func JoinPaths(forward, backward string) string {
	if forward == "" {
		return backward
	}
	if backward == "" {
		return forward
	}
	return forward + " " + backward
}

// RoundCost snaps a gate-equivalent sum to two decimals so that sums of the
// same gates compare equal regardless of addition order.
func RoundCost(ge float64) float64 {
	return math.Round(ge*100) / 100
}
