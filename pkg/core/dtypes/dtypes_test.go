// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Uint64.Size())
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 0, InvalidDType.Size())
}

func TestMapOfNames(t *testing.T) {
	if MapOfNames["Float16"] != Float16 {
		t.Fatalf("expected MapOfNames[\"Float16\"] to be Float16, got %v", MapOfNames["Float16"])
	}
	if MapOfNames["float16"] != Float16 {
		t.Fatalf("expected MapOfNames[\"float16\"] to be Float16, got %v", MapOfNames["float16"])
	}
	dtype, err := Parse("uint16")
	require.NoError(t, err)
	assert.Equal(t, Uint16, dtype)
	assert.Equal(t, "Uint16", dtype.String())

	_, err = Parse("complex64")
	require.Error(t, err)
	_, err = Parse("InvalidDType")
	require.Error(t, err)
}

func TestTextMarshaling(t *testing.T) {
	var dtype DType
	require.NoError(t, dtype.UnmarshalText([]byte("int32")))
	assert.Equal(t, Int32, dtype)
	text, err := dtype.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Int32", string(text))
	assert.True(t, Int32.IsInt())
	assert.True(t, Float64.IsFloat())
	assert.False(t, Bool.IsInt())
}
