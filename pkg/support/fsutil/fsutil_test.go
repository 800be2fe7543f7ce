// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for path, want := range map[string]string{
		"~":             usr.HomeDir,
		"~/pipelines":   filepath.Join(usr.HomeDir, "pipelines"),
		"/tmp/blur":     "/tmp/blur",
		"relative/path": "relative/path",
		"":              "",
	} {
		got, err := ExpandHome(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ExpandHome(%q)", path)
	}

	_, err = ExpandHome("~no_such_user_for_sure/x")
	assert.Error(t, err)
}
