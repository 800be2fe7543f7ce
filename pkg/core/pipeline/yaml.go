// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"os"

	"github.com/gomlx/autoschedule/pkg/core/dtypes"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlPipeline is the file format of a pipeline description:
//
//	name: blur
//	inputs:
//	  - {name: input, type: uint16, dims: 2, estimates: [[0, 2048], [0, 2048]]}
//	params:
//	  - {name: gain, type: float32, estimate: 2}
//	funcs:
//	  - name: blur_x
//	    args: [x, y]
//	    types: [uint16]
//	    values: ["(input(x, y) + input(x+1, y) + input(x+2, y)) / 3"]
//	  - name: hist
//	    args: [i]
//	    types: [int32]
//	    values: ["0"]
//	    updates:
//	      - rdom: [{name: r, min: "0", extent: "2048"}]
//	        args: ["input(r, 0) % 256"]
//	        values: ["hist(input(r, 0) % 256) + 1"]
//	  - name: fft
//	    args: [x, y]
//	    types: [float32]
//	    extern: {routine: fft2d, args: [{func: blur_x}, {expr: "gain"}]}
//	    estimates: {x: [0, 2048], y: [0, 2048]}
//	outputs: [fft]
//
// Estimates are given as [min, extent] pairs.
type yamlPipeline struct {
	Name    string      `yaml:"name"`
	Inputs  []yamlInput `yaml:"inputs"`
	Params  []yamlParam `yaml:"params"`
	Funcs   []yamlFunc  `yaml:"funcs"`
	Outputs []string    `yaml:"outputs"`
}

type yamlInput struct {
	Name      string       `yaml:"name"`
	Type      dtypes.DType `yaml:"type"`
	Dims      int          `yaml:"dims"`
	Estimates [][2]int64   `yaml:"estimates"`
}

type yamlParam struct {
	Name     string       `yaml:"name"`
	Type     dtypes.DType `yaml:"type"`
	Estimate *int64       `yaml:"estimate"`
}

type yamlFunc struct {
	Name      string              `yaml:"name"`
	Args      []string            `yaml:"args"`
	Types     []dtypes.DType      `yaml:"types"`
	Values    []string            `yaml:"values"`
	Updates   []yamlUpdate        `yaml:"updates"`
	Extern    *yamlExtern         `yaml:"extern"`
	Estimates map[string][2]int64 `yaml:"estimates"`
	Schedule  []string            `yaml:"schedule"`
}

type yamlUpdate struct {
	RDom   []yamlRVar `yaml:"rdom"`
	Args   []string   `yaml:"args"`
	Values []string   `yaml:"values"`
}

type yamlRVar struct {
	Name   string `yaml:"name"`
	Min    string `yaml:"min"`
	Extent string `yaml:"extent"`
}

type yamlExtern struct {
	Routine string          `yaml:"routine"`
	Args    []yamlExternArg `yaml:"args"`
}

type yamlExternArg struct {
	Func   string `yaml:"func"`
	Buffer string `yaml:"buffer"`
	Expr   string `yaml:"expr"`
}

// LoadYAML reads a pipeline description from the given file.
func LoadYAML(path string) (*Pipeline, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pipeline from %q", path)
	}
	p, err := ParseYAML(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in pipeline file %q", path)
	}
	return p, nil
}

// ParseYAML parses a pipeline description.
func ParseYAML(contents []byte) (*Pipeline, error) {
	var desc yamlPipeline
	if err := yaml.Unmarshal(contents, &desc); err != nil {
		return nil, errors.Wrapf(ErrInvalidPipeline, "malformed pipeline description: %v", err)
	}

	kinds := make(map[string]expr.CallKind)
	for _, input := range desc.Inputs {
		kinds[input.Name] = expr.CallImage
	}
	for _, f := range desc.Funcs {
		kinds[f.Name] = expr.CallFunc
	}
	resolve := func(name string) (expr.CallKind, bool) {
		kind, found := kinds[name]
		return kind, found
	}
	parse := func(source, what string) (expr.Expr, error) {
		e, err := expr.Parse(source, resolve)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPipeline, "%s: %v", what, err)
		}
		return e, nil
	}
	parseAll := func(sources []string, what string) ([]expr.Expr, error) {
		exprs := make([]expr.Expr, len(sources))
		for ii, source := range sources {
			e, err := parse(source, what)
			if err != nil {
				return nil, err
			}
			exprs[ii] = e
		}
		return exprs, nil
	}

	inputs := make([]*Input, len(desc.Inputs))
	for ii, in := range desc.Inputs {
		input := &Input{Name: in.Name, DType: in.Type, Dims: in.Dims}
		if len(in.Estimates) > 0 && len(in.Estimates) != in.Dims {
			return nil, errors.Wrapf(ErrInvalidPipeline, "buffer %q has %d dims but %d estimates",
				in.Name, in.Dims, len(in.Estimates))
		}
		for _, pair := range in.Estimates {
			input.Estimates = append(input.Estimates, Estimate{Min: pair[0], Extent: pair[1]})
		}
		inputs[ii] = input
	}
	params := make([]*Param, len(desc.Params))
	for ii, param := range desc.Params {
		params[ii] = &Param{Name: param.Name, DType: param.Type, Estimate: param.Estimate}
	}

	funcs := make([]*Function, len(desc.Funcs))
	for ii, fDesc := range desc.Funcs {
		f := &Function{
			Name:     fDesc.Name,
			Args:     fDesc.Args,
			DTypes:   fDesc.Types,
			Schedule: fDesc.Schedule,
		}
		if len(fDesc.Estimates) > 0 {
			f.Estimates = make(map[string]Estimate, len(fDesc.Estimates))
			for arg, pair := range fDesc.Estimates {
				f.Estimates[arg] = Estimate{Min: pair[0], Extent: pair[1]}
			}
		}
		switch {
		case fDesc.Extern != nil && len(fDesc.Values) > 0:
			return nil, errors.Wrapf(ErrInvalidPipeline, "function %q can't have both values and an extern definition", f.Name)
		case fDesc.Extern != nil:
			opaque := &Opaque{Routine: fDesc.Extern.Routine}
			for _, arg := range fDesc.Extern.Args {
				switch {
				case arg.Func != "":
					opaque.Args = append(opaque.Args, ExternArg{Kind: ExternFuncArg, Name: arg.Func})
				case arg.Buffer != "":
					opaque.Args = append(opaque.Args, ExternArg{Kind: ExternBufferArg, Name: arg.Buffer})
				default:
					e, err := parse(arg.Expr, "argument of extern "+f.Name)
					if err != nil {
						return nil, err
					}
					opaque.Args = append(opaque.Args, ExternArg{Kind: ExternExprArg, Expr: e})
				}
			}
			f.Definition = opaque
		default:
			values, err := parseAll(fDesc.Values, "definition of "+f.Name)
			if err != nil {
				return nil, err
			}
			f.Definition = &Computed{Values: values}
		}
		for _, uDesc := range fDesc.Updates {
			update := &Computed{}
			var err error
			if update.Args, err = parseAll(uDesc.Args, "update args of "+f.Name); err != nil {
				return nil, err
			}
			if update.Values, err = parseAll(uDesc.Values, "update of "+f.Name); err != nil {
				return nil, err
			}
			for _, rv := range uDesc.RDom {
				rvar := RVar{Name: rv.Name}
				if rvar.Min, err = parse(rv.Min, "reduction domain of "+f.Name); err != nil {
					return nil, err
				}
				if rvar.Extent, err = parse(rv.Extent, "reduction domain of "+f.Name); err != nil {
					return nil, err
				}
				update.RDom = append(update.RDom, rvar)
			}
			f.Updates = append(f.Updates, update)
		}
		funcs[ii] = f
	}
	return New(desc.Name, inputs, params, funcs, desc.Outputs)
}
