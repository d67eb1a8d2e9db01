// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"math"
)

// BoundKind is the per-variable constraint code consumed by the optimizer.
type BoundKind int

const (
	Unbounded   BoundKind = 0 // no bound on either side
	LowerOnly   BoundKind = 1 // x ≥ l
	BothBounded BoundKind = 2 // l ≤ x ≤ u
	UpperOnly   BoundKind = 3 // x ≤ u
)

func (k BoundKind) String() string {
	switch k {
	case Unbounded:
		return "unbounded"
	case LowerOnly:
		return "lower"
	case BothBounded:
		return "both"
	case UpperOnly:
		return "upper"
	}
	return fmt.Sprintf("BoundKind(%d)", int(k))
}

// Bound holds an optional lower and upper limit of one variable.
// An absent side is NaN or the infinity of its own sign.
type Bound struct {
	Lower, Upper float64
}

// Free returns a bound that does not restrict the variable.
func Free() Bound { return Bound{Lower: math.NaN(), Upper: math.NaN()} }

// AtLeast returns the bound x ≥ l.
func AtLeast(l float64) Bound { return Bound{Lower: l, Upper: math.NaN()} }

// AtMost returns the bound x ≤ u.
func AtMost(u float64) Bound { return Bound{Lower: math.NaN(), Upper: u} }

// Between returns the bound l ≤ x ≤ u.
func Between(l, u float64) Bound { return Bound{Lower: l, Upper: u} }

func hasLower(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, -1) }

func hasUpper(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 1) }

// Encode translates b into the constraint code and the values to store.
// An absent side yields a zero value.
func Encode(b Bound) (kind BoundKind, lower, upper float64) {
	l, u := hasLower(b.Lower), hasUpper(b.Upper)
	switch {
	case l && u:
		return BothBounded, b.Lower, b.Upper
	case l:
		return LowerOnly, b.Lower, 0
	case u:
		return UpperOnly, 0, b.Upper
	}
	return Unbounded, 0, 0
}

// SetBounds encodes one bound per variable into the problem buffers.
// A side that is absent keeps whatever value its buffer held.
// It panics when len(bounds) differs from the problem dimension.
func (p *Problem) SetBounds(bounds []Bound) {
	if len(bounds) != p.Len() {
		panic(fmt.Sprintf("pool: %d bounds for %d variables", len(bounds), p.Len()))
	}
	for i, b := range bounds {
		kind, l, u := Encode(b)
		p.Kinds[i] = kind
		switch kind {
		case BothBounded:
			p.Lower[i], p.Upper[i] = l, u
		case LowerOnly:
			p.Lower[i] = l
		case UpperOnly:
			p.Upper[i] = u
		}
	}
}

// Bound decodes the stored triple of variable i.
func (p *Problem) Bound(i int) Bound {
	switch p.Kinds[i] {
	case BothBounded:
		return Between(p.Lower[i], p.Upper[i])
	case LowerOnly:
		return AtLeast(p.Lower[i])
	case UpperOnly:
		return AtMost(p.Upper[i])
	}
	return Free()
}
