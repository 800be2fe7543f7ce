// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSum(t *testing.T) {
	extents := map[string]int64{"x": 2048, "y": 1024, "c": 3}
	sizes := Map(SortedKeys(extents), func(name string) int64 { return extents[name] })
	assert.Equal(t, []int64{3, 2048, 1024}, sizes)
	assert.Equal(t, int64(3075), Sum(sizes))
	assert.Equal(t, 0.0, Sum[float64](nil))
	assert.Empty(t, Map[int, string](nil, strconv.Itoa))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"y": 1, "x": 2, "c": 3}
	assert.Equal(t, []string{"c", "x", "y"}, SortedKeys(m))
	assert.ElementsMatch(t, []string{"x", "y", "c"}, Keys(m))
}

func TestFlagSet(t *testing.T) {
	f := &genericSliceFlagImpl[int]{parserFn: strconv.Atoi}
	require.NoError(t, f.Set("30, 61,70"))
	assert.Equal(t, []int{30, 61, 70}, f.parsedSlice)
	assert.Equal(t, "30,61,70", f.String())
	require.Error(t, f.Set("x"))
	require.NoError(t, f.Set(""))
	assert.Empty(t, f.parsedSlice)
}
