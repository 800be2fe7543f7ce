// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/autoschedule/pkg/autoschedule"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "?", formatValue(cost.Unknown))
	assert.Equal(t, "1.5 k", formatValue(cost.Of(1500)))
	assert.Equal(t, "?", formatBytes(cost.Unknown))
	assert.Equal(t, "2.0 kB", formatBytes(cost.Of(2000)))
	assert.Equal(t, "1.50s", formatDuration(1500*time.Millisecond))
}

func TestGroupRow(t *testing.T) {
	out := pipeline.Stage{Func: "c"}
	row := groupRow(autoschedule.GroupReport{
		Output:  out,
		Members: []pipeline.Stage{{Func: "a"}, {Func: "b"}, out},
		Inlined: []string{"a"},
	})
	require.Len(t, row, 8)
	assert.Equal(t, []string{"c.0", "b.0", "a", "{}"}, row[:4])
	assert.Equal(t, "?", row[7])
}

const blurYAML = `
name: blur
inputs:
  - {name: input, type: uint16, dims: 2, estimates: [[0, 2050], [0, 2050]]}
funcs:
  - name: blur_x
    args: [x, y]
    types: [uint16]
    values: ["(input(x, y) + input(x+1, y) + input(x+2, y)) / 3"]
  - name: blur_y
    args: [x, y]
    types: [uint16]
    values: ["(blur_x(x, y) + blur_x(x, y+1) + blur_x(x, y+2)) / 3"]
    estimates: {x: [0, 2048], y: [0, 2048]}
outputs: [blur_y]
`

func TestScheduleFile(t *testing.T) {
	dir := t.TempDir()
	*flagOut = dir
	path := filepath.Join(dir, "blur.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blurYAML), 0o644))

	result, outPath, err := scheduleFile(path, machine.DefaultConfig(), autoschedule.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "blur.schedule.txt"), outPath)
	contents, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, result.Source, string(contents))
	assert.Positive(t, numDirectives(result))

	// Requested inlining, ignoring functions not in the pipeline.
	*flagInline = []string{"blur_x", "not_there"}
	defer func() { *flagInline = nil }()
	result, _, err = scheduleFile(path, machine.DefaultConfig(), autoschedule.DefaultOptions())
	require.NoError(t, err)
	assert.Nil(t, result.Pipeline.Func("blur_x"))
	require.Len(t, result.Groups, 1)
	assert.Equal(t, "blur_y", result.Groups[0].Output.Func)

	_, _, err = scheduleFile(filepath.Join(dir, "missing.yaml"), machine.DefaultConfig(), autoschedule.DefaultOptions())
	assert.Error(t, err)
}
