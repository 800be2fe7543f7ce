// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	// Missing keys are ignored.
	s.Remove(7, 11)
	assert.Equal(t, []int{3}, Sorted(s))
}

func TestUnionAndClone(t *testing.T) {
	a := MakeWith("blur_x", "input")
	b := a.Clone()
	b.Insert("blur_y")
	assert.Len(t, a, 2, "Clone must not alias the original set")

	u := Make[string]().Union(a, b, nil)
	assert.Equal(t, []string{"blur_x", "blur_y", "input"}, Sorted(u))

	var empty Set[string]
	assert.Len(t, empty.Clone(), 0)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key(MakeWith("b", "a")), Key(MakeWith("a", "b")))
	assert.NotEqual(t, Key(MakeWith("ab")), Key(MakeWith("a", "b")))
	assert.Equal(t, "", Key(nil))
}
