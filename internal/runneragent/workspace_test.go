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
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceManagerPrepareCreatesRootAndTaskDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "workspaces")
	w := NewWorkspaceManager(root)

	dir, err := w.Prepare("task-1")
	if err != nil {
		t.Fatalf("Prepare returned error: %s", err)
	}
	if dir != filepath.Join(root, "task-1") {
		t.Fatalf("unexpected workspace dir: %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected %s to exist as a directory", dir)
	}
}

func TestWorkspaceManagerPrepareIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w := NewWorkspaceManager(root)

	if _, err := w.Prepare("task-1"); err != nil {
		t.Fatalf("first Prepare returned error: %s", err)
	}
	if _, err := w.Prepare("task-1"); err != nil {
		t.Fatalf("second Prepare returned error: %s", err)
	}
}

func TestWorkspaceManagerCleanupRemovesTaskDir(t *testing.T) {
	root := t.TempDir()
	w := NewWorkspaceManager(root)

	dir, err := w.Prepare("task-2")
	if err != nil {
		t.Fatalf("Prepare returned error: %s", err)
	}
	w.Cleanup("task-2")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed after Cleanup", dir)
	}
}

func TestWorkspaceManagerCleanupOfUnknownTaskIsNoop(t *testing.T) {
	w := NewWorkspaceManager(t.TempDir())
	w.Cleanup("never-prepared")
}
