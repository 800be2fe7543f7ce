// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package expr defines the small symbolic expression language used to describe pipeline
// functions: the values they compute, the coordinates at which they read their producers,
// and the symbolic bounds derived from them.
//
// Expressions are immutable trees. The package offers a simplifier (constant folding plus a
// linear normal form over non-linear atoms) and a conservative proof oracle, CanProve, built
// on it: a condition is proven only if it simplifies to a non-zero constant.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/dtypes"
)

// Expr is a node of a symbolic expression. Implementations are the pointer types of this package.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Const is an integer constant.
type Const struct{ Value int64 }

// FloatConst is a floating point constant. It only appears in computed values, never in coordinates.
type FloatConst struct{ Value float64 }

// Var is a free variable: a pure loop variable, a reduction variable or a scalar parameter.
type Var struct{ Name string }

// Op enumerates the binary operators.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpMin
	OpMax
	OpEQ
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpAnd
	OpOr
)

var opSymbols = [...]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpMin: "min", OpMax: "max",
	OpEQ: "==", OpNE: "!=", OpLT: "<", OpLE: "<=", OpGT: ">", OpGE: ">=",
	OpAnd: "&&", OpOr: "||",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if int(op) < len(opSymbols) {
		return opSymbols[op]
	}
	return "Op(" + strconv.Itoa(int(op)) + ")"
}

// IsComparison returns whether the operator yields a boolean (0 or 1) value.
func (op Op) IsComparison() bool {
	return op >= OpEQ
}

// Binary is a binary operation. Division is flooring and modulo is euclidean.
type Binary struct {
	Op   Op
	A, B Expr
}

// Not is the logical negation.
type Not struct{ A Expr }

// Select evaluates to True if Cond is non-zero, False otherwise.
type Select struct{ Cond, True, False Expr }

// Cast converts Value to the given DType.
type Cast struct {
	DType dtypes.DType
	Value Expr
}

// CallKind tells what a Call refers to.
type CallKind int

const (
	// CallFunc is a load from another pipeline function.
	CallFunc CallKind = iota
	// CallImage is a load from a pipeline input buffer.
	CallImage
	// CallExtern is a call to an external math routine, e.g. "sqrt_f32".
	CallExtern
	// CallIntrinsic is a call to one of the builtin intrinsics ("abs", "likely").
	CallIntrinsic
)

// String implements fmt.Stringer.
func (k CallKind) String() string {
	switch k {
	case CallFunc:
		return "Func"
	case CallImage:
		return "Image"
	case CallExtern:
		return "Extern"
	case CallIntrinsic:
		return "Intrinsic"
	}
	return "CallKind(" + strconv.Itoa(int(k)) + ")"
}

// Call is a load from a function or buffer (for CallFunc and CallImage), or a call to an
// external/intrinsic routine. Index selects the tuple element for multi-valued functions.
type Call struct {
	Name  string
	Kind  CallKind
	Index int
	Args  []Expr
}

func (*Const) isExpr()      {}
func (*FloatConst) isExpr() {}
func (*Var) isExpr()        {}
func (*Binary) isExpr()     {}
func (*Not) isExpr()        {}
func (*Select) isExpr()     {}
func (*Cast) isExpr()       {}
func (*Call) isExpr()       {}

// Int returns an integer constant.
func Int(v int64) Expr { return &Const{Value: v} }

// Float returns a floating point constant.
func Float(v float64) Expr { return &FloatConst{Value: v} }

// Variable returns a reference to the named variable.
func Variable(name string) Expr { return &Var{Name: name} }

// NewBinary creates a binary operation, without simplification.
func NewBinary(op Op, a, b Expr) Expr { return &Binary{Op: op, A: a, B: b} }

func Add(a, b Expr) Expr { return NewBinary(OpAdd, a, b) }
func Sub(a, b Expr) Expr { return NewBinary(OpSub, a, b) }
func Mul(a, b Expr) Expr { return NewBinary(OpMul, a, b) }
func Div(a, b Expr) Expr { return NewBinary(OpDiv, a, b) }
func Mod(a, b Expr) Expr { return NewBinary(OpMod, a, b) }
func Min(a, b Expr) Expr { return NewBinary(OpMin, a, b) }
func Max(a, b Expr) Expr { return NewBinary(OpMax, a, b) }
func EQ(a, b Expr) Expr  { return NewBinary(OpEQ, a, b) }
func NE(a, b Expr) Expr  { return NewBinary(OpNE, a, b) }
func LT(a, b Expr) Expr  { return NewBinary(OpLT, a, b) }
func LE(a, b Expr) Expr  { return NewBinary(OpLE, a, b) }
func GT(a, b Expr) Expr  { return NewBinary(OpGT, a, b) }
func GE(a, b Expr) Expr  { return NewBinary(OpGE, a, b) }
func And(a, b Expr) Expr { return NewBinary(OpAnd, a, b) }
func Or(a, b Expr) Expr  { return NewBinary(OpOr, a, b) }

// FuncCall creates a load of value 0 of the named function.
func FuncCall(name string, args ...Expr) Expr {
	return &Call{Name: name, Kind: CallFunc, Args: args}
}

// ImageCall creates a load from the named input buffer.
func ImageCall(name string, args ...Expr) Expr {
	return &Call{Name: name, Kind: CallImage, Args: args}
}

// AsConst returns the value of e if it is an integer constant.
func AsConst(e Expr) (int64, bool) {
	if c, ok := e.(*Const); ok {
		return c.Value, true
	}
	return 0, false
}

// Equal returns whether a and b are structurally identical. Two nil expressions are equal.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

func (e *Const) String() string { return strconv.FormatInt(e.Value, 10) }

func (e *FloatConst) String() string {
	s := strconv.FormatFloat(e.Value, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func (e *Var) String() string { return e.Name }

func (e *Binary) String() string {
	if e.Op == OpMin || e.Op == OpMax {
		return fmt.Sprintf("%s(%s, %s)", e.Op, e.A, e.B)
	}
	return fmt.Sprintf("(%s %s %s)", e.A, e.Op, e.B)
}

func (e *Not) String() string { return "!" + e.A.String() }

func (e *Select) String() string {
	return fmt.Sprintf("select(%s, %s, %s)", e.Cond, e.True, e.False)
}

func (e *Cast) String() string {
	return fmt.Sprintf("%s(%s)", strings.ToLower(e.DType.String()), e.Value)
}

func (e *Call) String() string {
	args := make([]string, len(e.Args))
	for ii, arg := range e.Args {
		args[ii] = arg.String()
	}
	s := e.Name + "(" + strings.Join(args, ", ") + ")"
	if e.Index != 0 {
		s += "[" + strconv.Itoa(e.Index) + "]"
	}
	return s
}
