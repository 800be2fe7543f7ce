// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"math"

	"github.com/gomlx/autoschedule/pkg/support/xslices"
)

// Simplify returns an equivalent expression, with constants folded and sums of integer
// terms put in a canonical linear form, e.g. `(x + 1) - x` becomes `1`.
func Simplify(e Expr) Expr {
	return Mutate(e, simplifyNode)
}

// CanProve is the proof oracle: it returns true only if cond simplifies to a non-zero constant.
// Anything it cannot decide is reported as not proven.
func CanProve(cond Expr) bool {
	c, ok := AsConst(Simplify(cond))
	return ok && c != 0
}

func boolConst(b bool) Expr {
	if b {
		return Int(1)
	}
	return Int(0)
}

func simplifyNode(e Expr) Expr {
	switch n := e.(type) {
	case *Binary:
		return simplifyBinary(n)
	case *Not:
		if c, ok := AsConst(n.A); ok {
			return boolConst(c == 0)
		}
	case *Select:
		if c, ok := AsConst(n.Cond); ok {
			if c != 0 {
				return n.True
			}
			return n.False
		}
		if Equal(n.True, n.False) {
			return n.True
		}
	case *Cast:
		switch v := n.Value.(type) {
		case *Const:
			if n.DType.IsFloat() {
				return Float(float64(v.Value))
			}
			if n.DType.IsInt() {
				return v
			}
		case *FloatConst:
			if n.DType.IsInt() {
				return Int(int64(v.Value))
			}
			if n.DType.IsFloat() {
				return v
			}
		}
	}
	return e
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func euclidMod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		if b > 0 {
			r += b
		} else {
			r -= b
		}
	}
	return r
}

func foldInt(op Op, a, b int64) (int64, bool) {
	toInt := func(cond bool) int64 {
		if cond {
			return 1
		}
		return 0
	}
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv:
		if b == 0 {
			return 0, false
		}
		return floorDiv(a, b), true
	case OpMod:
		if b == 0 {
			return 0, false
		}
		return euclidMod(a, b), true
	case OpMin:
		return min(a, b), true
	case OpMax:
		return max(a, b), true
	case OpEQ:
		return toInt(a == b), true
	case OpNE:
		return toInt(a != b), true
	case OpLT:
		return toInt(a < b), true
	case OpLE:
		return toInt(a <= b), true
	case OpGT:
		return toInt(a > b), true
	case OpGE:
		return toInt(a >= b), true
	case OpAnd:
		return toInt(a != 0 && b != 0), true
	case OpOr:
		return toInt(a != 0 || b != 0), true
	}
	return 0, false
}

func asNumber(e Expr) (float64, bool) {
	switch c := e.(type) {
	case *Const:
		return float64(c.Value), true
	case *FloatConst:
		return c.Value, true
	}
	return 0, false
}

func foldFloat(op Op, a, b float64) (Expr, bool) {
	switch op {
	case OpAdd:
		return Float(a + b), true
	case OpSub:
		return Float(a - b), true
	case OpMul:
		return Float(a * b), true
	case OpDiv:
		if b == 0 {
			return nil, false
		}
		return Float(a / b), true
	case OpMod:
		if b == 0 {
			return nil, false
		}
		return Float(a - b*math.Floor(a/b)), true
	case OpMin:
		return Float(min(a, b)), true
	case OpMax:
		return Float(max(a, b)), true
	case OpEQ:
		return boolConst(a == b), true
	case OpNE:
		return boolConst(a != b), true
	case OpLT:
		return boolConst(a < b), true
	case OpLE:
		return boolConst(a <= b), true
	case OpGT:
		return boolConst(a > b), true
	case OpGE:
		return boolConst(a >= b), true
	}
	return nil, false
}

func simplifyBinary(n *Binary) Expr {
	a, b := n.A, n.B
	ca, aIsConst := AsConst(a)
	cb, bIsConst := AsConst(b)
	if aIsConst && bIsConst {
		if v, ok := foldInt(n.Op, ca, cb); ok {
			return Int(v)
		}
		return n
	}
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			if folded, ok := foldFloat(n.Op, fa, fb); ok {
				return folded
			}
			return n
		}
	}

	switch n.Op {
	case OpAdd, OpSub, OpMul:
		if n.Op == OpMul && ((aIsConst && ca == 0) || (bIsConst && cb == 0)) {
			return Int(0)
		}
		if lf, ok := linearize(n); ok {
			return lf.rebuild()
		}
	case OpDiv:
		if bIsConst && cb == 1 {
			return a
		}
		if aIsConst && ca == 0 {
			return a
		}
	case OpMod:
		if bIsConst && (cb == 1 || cb == -1) {
			return Int(0)
		}
	case OpMin, OpMax:
		if Equal(a, b) {
			return a
		}
		if d, ok := constDiff(a, b); ok {
			if (n.Op == OpMin) == (d <= 0) {
				return a
			}
			return b
		}
		// min(min(x, c1), c2) -> min(x, min(c1, c2))
		if inner, ok := a.(*Binary); ok && inner.Op == n.Op && bIsConst {
			if c1, ok := AsConst(inner.B); ok {
				v, _ := foldInt(n.Op, c1, cb)
				return &Binary{Op: n.Op, A: inner.A, B: Int(v)}
			}
		}
		if aIsConst && !bIsConst {
			// Canonical form keeps the constant on the right.
			return simplifyBinary(&Binary{Op: n.Op, A: b, B: a})
		}
	case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
		if d, ok := constDiff(a, b); ok {
			v, _ := foldInt(n.Op, d, 0)
			return Int(v)
		}
	case OpAnd:
		if (aIsConst && ca == 0) || (bIsConst && cb == 0) {
			return Int(0)
		}
		if aIsConst && isBoolean(b) {
			return b
		}
		if bIsConst && isBoolean(a) {
			return a
		}
	case OpOr:
		if (aIsConst && ca != 0) || (bIsConst && cb != 0) {
			return Int(1)
		}
		if aIsConst && isBoolean(b) {
			return b
		}
		if bIsConst && isBoolean(a) {
			return a
		}
	}
	return n
}

func isBoolean(e Expr) bool {
	switch n := e.(type) {
	case *Binary:
		return n.Op.IsComparison()
	case *Not:
		return true
	}
	return false
}

// constDiff returns a-b if it simplifies to a constant.
func constDiff(a, b Expr) (int64, bool) {
	lf, ok := linearize(&Binary{Op: OpSub, A: a, B: b})
	if !ok || len(lf.terms) > 0 {
		return 0, false
	}
	return lf.constant, true
}

// linearForm is sum(coef_i * atom_i) + constant, where atoms are non-linear sub-expressions.
type linearForm struct {
	terms    map[string]*linearTerm
	constant int64
}

type linearTerm struct {
	atom Expr
	coef int64
}

func newLinearForm() *linearForm {
	return &linearForm{terms: make(map[string]*linearTerm)}
}

func (lf *linearForm) addScaled(other *linearForm, scale int64) {
	lf.constant += scale * other.constant
	for key, t := range other.terms {
		if mine, found := lf.terms[key]; found {
			mine.coef += scale * t.coef
			if mine.coef == 0 {
				delete(lf.terms, key)
			}
		} else if t.coef*scale != 0 {
			lf.terms[key] = &linearTerm{atom: t.atom, coef: t.coef * scale}
		}
	}
}

// linearize returns the linear form of e. It fails if e involves floating point constants.
func linearize(e Expr) (*linearForm, bool) {
	lf := newLinearForm()
	switch n := e.(type) {
	case *Const:
		lf.constant = n.Value
		return lf, true
	case *FloatConst:
		return nil, false
	case *Binary:
		switch n.Op {
		case OpAdd, OpSub:
			la, okA := linearize(n.A)
			lb, okB := linearize(n.B)
			if !okA || !okB {
				return nil, false
			}
			scale := int64(1)
			if n.Op == OpSub {
				scale = -1
			}
			la.addScaled(lb, scale)
			return la, true
		case OpMul:
			if c, ok := AsConst(n.B); ok {
				la, okA := linearize(n.A)
				if !okA {
					return nil, false
				}
				lf.addScaled(la, c)
				return lf, true
			}
			if c, ok := AsConst(n.A); ok {
				lb, okB := linearize(n.B)
				if !okB {
					return nil, false
				}
				lf.addScaled(lb, c)
				return lf, true
			}
		}
	}
	lf.terms[e.String()] = &linearTerm{atom: e, coef: 1}
	return lf, true
}

func (lf *linearForm) rebuild() Expr {
	keys := xslices.SortedKeys(lf.terms)
	var acc Expr
	for _, key := range keys {
		t := lf.terms[key]
		magnitude := t.coef
		if magnitude < 0 {
			magnitude = -magnitude
		}
		var term Expr = t.atom
		if magnitude != 1 {
			term = &Binary{Op: OpMul, A: t.atom, B: Int(magnitude)}
		}
		switch {
		case acc == nil && t.coef < 0:
			acc = &Binary{Op: OpMul, A: t.atom, B: Int(t.coef)}
		case acc == nil:
			acc = term
		case t.coef < 0:
			acc = &Binary{Op: OpSub, A: acc, B: term}
		default:
			acc = &Binary{Op: OpAdd, A: acc, B: term}
		}
	}
	switch {
	case acc == nil:
		return Int(lf.constant)
	case lf.constant > 0:
		return &Binary{Op: OpAdd, A: acc, B: Int(lf.constant)}
	case lf.constant < 0:
		return &Binary{Op: OpSub, A: acc, B: Int(-lf.constant)}
	}
	return acc
}
