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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsctl/fleet/internal/models"
)

// ErrHostKeyMismatch is returned under HostKeyStrict when a host
// presents a key different from the one recorded for it, and under
// HostKeyAccept when a previously trusted-on-first-use key changes.
var ErrHostKeyMismatch = errors.New("runneragent: host key does not match the recorded fingerprint")

// knownHosts is a per-process, in-memory trust store keyed by host
// address. Nothing here is persisted to disk: a Runner restart forgets
// every trust-on-first-use fingerprint it has accepted, which is an
// accepted gap until a Runner-local store exists.
type knownHosts struct {
	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

func newKnownHosts() *knownHosts {
	return &knownHosts{keys: map[string]ssh.PublicKey{}}
}

func (k *knownHosts) callback(policy models.HostKeyPolicy) ssh.HostKeyCallback {
	switch policy {
	case models.HostKeyDisabled:
		return ssh.InsecureIgnoreHostKey()
	case models.HostKeyAccept:
		return func(addr string, _ net.Addr, key ssh.PublicKey) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			if existing, ok := k.keys[addr]; ok {
				if !keysEqual(existing, key) {
					return ErrHostKeyMismatch
				}
				return nil
			}
			k.keys[addr] = key
			return nil
		}
	default: // models.HostKeyStrict and any unrecognized value fail closed
		return func(addr string, _ net.Addr, key ssh.PublicKey) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			existing, ok := k.keys[addr]
			if !ok {
				return fmt.Errorf("%w: no fingerprint recorded for %s", ErrHostKeyMismatch, addr)
			}
			if !keysEqual(existing, key) {
				return ErrHostKeyMismatch
			}
			return nil
		}
	}
}

// Trust pre-seeds the known-hosts cache for addr, letting an operator
// register a Host's expected fingerprint out of band before its first
// connection under HostKeyStrict.
func (k *knownHosts) Trust(addr string, key ssh.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[addr] = key
}

func keysEqual(a, b ssh.PublicKey) bool {
	return string(a.Marshal()) == string(b.Marshal())
}

// SSHExecutor runs a BuildStep's command on a remote host over SSH,
// the Runner's execution channel for managed hosts that never have a
// Docker daemon of their own.
type SSHExecutor struct {
	dialTimeout time.Duration
	trust       *knownHosts
}

// NewSSHExecutor returns an SSHExecutor with its own host-key trust
// store, shared across every host this Runner connects to.
func NewSSHExecutor() *SSHExecutor {
	return &SSHExecutor{dialTimeout: 15 * time.Second, trust: newKnownHosts()}
}

// Run implements Executor. workspace and cfg are unused: SSH steps run
// directly on the target host's filesystem and are not subject to
// Docker resource limits.
func (e *SSHExecutor) Run(ctx context.Context, step models.BuildStep, target *models.HostTarget, _ string, _ models.DockerConfig, onLog LogFunc) (int, error) {
	if target == nil {
		return 0, fmt.Errorf("runneragent: SSH executor requires a target host")
	}

	sshCfg := &ssh.ClientConfig{
		User:            target.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Credential)},
		HostKeyCallback: e.trust.callback(target.HostKeyPolicy),
		Timeout:         e.dialTimeout,
	}

	addr := target.Address
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("attaching stderr: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, "stdout", onLog)
	go streamLines(&wg, stderr, "stderr", onLog)

	cmd := step.Command
	if step.WorkingDir != "" {
		cmd = fmt.Sprintf("cd %s && %s", step.WorkingDir, step.Command)
	}
	for k, v := range step.Env {
		cmd = fmt.Sprintf("export %s=%q; %s", k, v, cmd)
	}

	runErr := session.Start(cmd)
	if runErr == nil {
		done := make(chan error, 1)
		go func() { done <- session.Wait() }()
		select {
		case runErr = <-done:
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			wg.Wait()
			return 0, ctx.Err()
		}
	}
	wg.Wait()

	if runErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return 0, fmt.Errorf("running step over ssh: %w", runErr)
}

func streamLines(wg *sync.WaitGroup, r io.Reader, stream string, onLog LogFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onLog(stream, []byte(scanner.Text()+"\n"))
	}
}
