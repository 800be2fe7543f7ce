// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule records the scheduling directives chosen for the stages of a pipeline and
// renders them as schedule source code.
package schedule

import (
	"fmt"
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/gomlx/exceptions"
)

// AutoSchedule is a write-only sink of scheduling directives, per function and stage.
type AutoSchedule struct {
	p *pipeline.Pipeline

	// internalVars are the variables created by splits, mapped to whether they are reduction
	// variables.
	internalVars map[string]bool

	directives map[string]map[int][]string
	usedVars   map[string]map[int]sets.Set[string]
}

// New creates an empty AutoSchedule for the functions of p.
func New(p *pipeline.Pipeline) *AutoSchedule {
	return &AutoSchedule{
		p:            p,
		internalVars: make(map[string]bool),
		directives:   make(map[string]map[int][]string),
		usedVars:     make(map[string]map[int]sets.Set[string]),
	}
}

// DeclareVar registers a variable introduced by the schedule (e.g. the inner and outer variables
// of a split). Declaring the same name twice with a different kind is a contract violation.
func (s *AutoSchedule) DeclareVar(name string, isRVar bool) {
	if current, found := s.internalVars[name]; found {
		if current != isRVar {
			exceptions.Panicf("schedule variable %q declared both as Var and RVar", name)
		}
		return
	}
	s.internalVars[name] = isRVar
}

// PushSchedule appends a directive to the stage, recording the variables it uses. A directive
// identical to the last one of the same stage is dropped.
func (s *AutoSchedule) PushSchedule(stage pipeline.Stage, directive string, vars ...string) {
	if s.p.Func(stage.Func) == nil {
		exceptions.Panicf("schedule.PushSchedule(): unknown function %q", stage.Func)
	}
	used, found := s.usedVars[stage.Func]
	if !found {
		used = make(map[int]sets.Set[string])
		s.usedVars[stage.Func] = used
	}
	if used[stage.Index] == nil {
		used[stage.Index] = sets.Make[string]()
	}
	used[stage.Index].Insert(vars...)

	perStage, found := s.directives[stage.Func]
	if !found {
		perStage = make(map[int][]string)
		s.directives[stage.Func] = perStage
	}
	list := perStage[stage.Index]
	if len(list) > 0 && list[len(list)-1] == directive {
		return
	}
	perStage[stage.Index] = append(list, directive)
}

// Directives returns the directives pushed for the stage, in order.
func (s *AutoSchedule) Directives(stage pipeline.Stage) []string {
	return s.directives[stage.Func][stage.Index]
}

// Functions returns the names of the functions with at least one directive, sorted.
func (s *AutoSchedule) Functions() []string {
	return xslices.SortedKeys(s.directives)
}

// FuncIndex returns the position of the function in the topological order of the pipeline.
func (s *AutoSchedule) FuncIndex(name string) int {
	idx := s.p.Index(name)
	if idx < 0 {
		exceptions.Panicf("schedule.FuncIndex(): unknown function %q", name)
	}
	return idx
}

// SanitizedName replaces the characters that can't be part of an identifier by '_'.
func SanitizedName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// String renders the schedule as source code.
func (s *AutoSchedule) String() string {
	var sb strings.Builder
	sb.WriteString("// Delete this line if not using Generator\n")
	sb.WriteString("Pipeline pipeline = get_pipeline();\n\n")
	for _, name := range xslices.SortedKeys(s.internalVars) {
		kind := "Var"
		if s.internalVars[name] {
			kind = "RVar"
		}
		fmt.Fprintf(&sb, "%s %s(\"%s\");\n", kind, name, name)
	}
	sb.WriteString("\n")

	var funcs, blocks strings.Builder
	for _, name := range s.Functions() {
		f := s.p.MustFunc(name)
		handle := SanitizedName(name)
		fmt.Fprintf(&funcs, "Func %s = pipeline.get_func(%d);\n", handle, s.FuncIndex(name))

		blocks.WriteString("{\n")
		used := s.usedVars[name]
		anyStage := sets.Make[string]()
		for _, vars := range used {
			anyStage.Union(vars)
		}
		for ii, arg := range f.Args {
			if anyStage.Has(arg) {
				fmt.Fprintf(&blocks, "    Var %s = %s.args()[%d];\n", arg, handle, ii)
			}
		}
		declared := sets.Make[string]()
		for ii, update := range f.Updates {
			for jj, rv := range update.RDom {
				if !used[ii+1].Has(rv.Name) || declared.Has(rv.Name) {
					continue
				}
				declared.Insert(rv.Name)
				fmt.Fprintf(&blocks, "    RVar %s(%s.update(%d).get_schedule().rvars()[%d].var);\n",
					rv.Name, handle, ii, jj)
			}
		}
		perStage := s.directives[name]
		for _, stageIdx := range xslices.SortedKeys(perStage) {
			blocks.WriteString("    " + handle)
			if stageIdx > 0 {
				fmt.Fprintf(&blocks, ".update(%d)", stageIdx-1)
			}
			for _, directive := range perStage[stageIdx] {
				blocks.WriteString("\n        ." + directive)
			}
			blocks.WriteString(";\n")
		}
		blocks.WriteString("}\n")
	}
	sb.WriteString(funcs.String())
	sb.WriteString("\n")
	sb.WriteString(blocks.String())
	sb.WriteString("\n")
	return sb.String()
}
