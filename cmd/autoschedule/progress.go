// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Consider progressbar.ThemeUnicode if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar tracks the pipelines scheduled. It is safe for concurrent use.
type progressBar struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

func newProgressBar(numFiles int) *progressBar {
	pBar := &progressBar{termenv: termenv.NewOutput(os.Stderr)}
	pBar.termenv.HideCursor()
	pBar.bar = progressbar.NewOptions(numFiles,
		progressbar.OptionSetDescription("Scheduling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pipelines"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return pBar
}

// Done marks the pipeline in path as scheduled.
func (pBar *progressBar) Done(path string) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	pBar.bar.Describe(fmt.Sprintf("Scheduled %-20s", filepath.Base(path)))
	_ = pBar.bar.Add(1)
}

// Finish clears the progress bar and restores the cursor.
func (pBar *progressBar) Finish() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	fmt.Fprintln(os.Stderr)
}
