// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package runneragent

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceManager hands out a scratch directory per task, under a
// single configured root, and removes it once the task is done.
// Mirrors a clone-then-defer-cleanup idiom for a per-job
// temp directory, generalized from a single repo checkout to an
// arbitrary task workspace.
type WorkspaceManager struct {
	root string
}

// NewWorkspaceManager returns a manager rooted at root. It does not
// touch the filesystem; Prepare creates root if it does not exist.
func NewWorkspaceManager(root string) *WorkspaceManager {
	return &WorkspaceManager{root: root}
}

// Prepare creates and returns a fresh directory for taskID.
func (w *WorkspaceManager) Prepare(taskID string) (string, error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace root: %w", err)
	}
	dir := filepath.Join(w.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating task workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the directory created by Prepare for taskID. Errors
// are swallowed: a leftover workspace directory is a disk-hygiene
// issue, not one worth failing a finished task over.
func (w *WorkspaceManager) Cleanup(taskID string) {
	_ = os.RemoveAll(filepath.Join(w.root, taskID))
}
