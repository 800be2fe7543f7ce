// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Resolver tells the parser whether a called name is a pipeline function or an input buffer.
// It returns false for names it doesn't know.
type Resolver func(name string) (kind CallKind, found bool)

// Intrinsics lists the intrinsic calls understood by the parser.
var Intrinsics = map[string]int{"abs": 1, "likely": 1}

// Parse parses an expression written in Go expression syntax:
//
//	(input(x, y) + input(x+1, y)) / 2
//	select(x < 10, f(x), 0)     // Conditional.
//	min(x, 3), max(a, b, c)     // Variadic min/max.
//	float32(f(x))               // Casts use the lower-case dtype names.
//	g(x, y)[1]                  // Tuple element 1 of g.
//	sqrt_f32(f(x))              // External math routine, identified by its type suffix.
func Parse(source string, resolve Resolver) (Expr, error) {
	node, err := parser.ParseExpr(source)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse expression %q", source)
	}
	p := &exprParser{source: source, resolve: resolve}
	e, err := p.convert(node)
	if err != nil {
		return nil, errors.WithMessagef(err, "in expression %q", source)
	}
	return e, nil
}

// MustParse is like Parse but panics on errors. Meant for tests and static definitions.
func MustParse(source string, resolve Resolver) Expr {
	e, err := Parse(source, resolve)
	if err != nil {
		panic(err)
	}
	return e
}

type exprParser struct {
	source  string
	resolve Resolver
}

var binaryTokens = map[token.Token]Op{
	token.ADD: OpAdd, token.SUB: OpSub, token.MUL: OpMul, token.QUO: OpDiv, token.REM: OpMod,
	token.EQL: OpEQ, token.NEQ: OpNE, token.LSS: OpLT, token.LEQ: OpLE, token.GTR: OpGT, token.GEQ: OpGE,
	token.LAND: OpAnd, token.LOR: OpOr,
}

func (p *exprParser) convert(node ast.Expr) (Expr, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return p.convert(n.X)

	case *ast.BasicLit:
		switch n.Kind {
		case token.INT:
			v, err := strconv.ParseInt(n.Value, 0, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid integer literal %q", n.Value)
			}
			return Int(v), nil
		case token.FLOAT:
			v, err := strconv.ParseFloat(n.Value, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid float literal %q", n.Value)
			}
			return Float(v), nil
		}
		return nil, errors.Errorf("unsupported literal %q", n.Value)

	case *ast.Ident:
		switch n.Name {
		case "true":
			return Int(1), nil
		case "false":
			return Int(0), nil
		}
		return Variable(n.Name), nil

	case *ast.UnaryExpr:
		x, err := p.convert(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.SUB:
			if c, ok := AsConst(x); ok {
				return Int(-c), nil
			}
			if f, ok := x.(*FloatConst); ok {
				return Float(-f.Value), nil
			}
			return Sub(Int(0), x), nil
		case token.ADD:
			return x, nil
		case token.NOT:
			return &Not{A: x}, nil
		}
		return nil, errors.Errorf("unsupported unary operator %s", n.Op)

	case *ast.BinaryExpr:
		op, found := binaryTokens[n.Op]
		if !found {
			return nil, errors.Errorf("unsupported binary operator %s", n.Op)
		}
		a, err := p.convert(n.X)
		if err != nil {
			return nil, err
		}
		b, err := p.convert(n.Y)
		if err != nil {
			return nil, err
		}
		return NewBinary(op, a, b), nil

	case *ast.IndexExpr:
		call, ok := n.X.(*ast.CallExpr)
		lit, isLit := n.Index.(*ast.BasicLit)
		if !ok || !isLit || lit.Kind != token.INT {
			return nil, errors.New("only `f(args...)[k]` indexing, with a literal k, is supported")
		}
		e, err := p.convert(call)
		if err != nil {
			return nil, err
		}
		c, ok := e.(*Call)
		if !ok || c.Kind != CallFunc {
			return nil, errors.Errorf("tuple index applied to %s, which is not a function call", e)
		}
		c.Index, err = strconv.Atoi(lit.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tuple index %q", lit.Value)
		}
		return c, nil

	case *ast.CallExpr:
		return p.convertCall(n)
	}
	return nil, errors.Errorf("unsupported syntax %T", node)
}

func (p *exprParser) convertCall(n *ast.CallExpr) (Expr, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, errors.Errorf("unsupported callee %T, only plain names can be called", n.Fun)
	}
	name := ident.Name
	args := make([]Expr, len(n.Args))
	for ii, argNode := range n.Args {
		var err error
		args[ii], err = p.convert(argNode)
		if err != nil {
			return nil, err
		}
	}

	switch name {
	case "min", "max":
		if len(args) < 2 {
			return nil, errors.Errorf("%s() requires at least 2 arguments, got %d", name, len(args))
		}
		op := OpMin
		if name == "max" {
			op = OpMax
		}
		acc := args[0]
		for _, arg := range args[1:] {
			acc = NewBinary(op, acc, arg)
		}
		return acc, nil
	case "select":
		if len(args) != 3 {
			return nil, errors.Errorf("select() requires 3 arguments, got %d", len(args))
		}
		return &Select{Cond: args[0], True: args[1], False: args[2]}, nil
	}
	if p.resolve != nil {
		if kind, found := p.resolve(name); found {
			return &Call{Name: name, Kind: kind, Args: args}, nil
		}
	}
	if dtype, found := dtypes.MapOfNames[name]; found && dtype != dtypes.InvalidDType {
		if len(args) != 1 {
			return nil, errors.Errorf("cast to %s requires 1 argument, got %d", name, len(args))
		}
		return &Cast{DType: dtype, Value: args[0]}, nil
	}
	if numArgs, found := Intrinsics[name]; found {
		if len(args) != numArgs {
			return nil, errors.Errorf("%s() requires %d arguments, got %d", name, numArgs, len(args))
		}
		return &Call{Name: name, Kind: CallIntrinsic, Args: args}, nil
	}
	for _, suffix := range []string{"_f16", "_f32", "_f64"} {
		if strings.HasSuffix(name, suffix) {
			return &Call{Name: name, Kind: CallExtern, Args: args}, nil
		}
	}
	return nil, errors.Errorf("call to unknown function or buffer %q", name)
}
