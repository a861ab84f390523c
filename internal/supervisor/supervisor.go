// Copyright 2026 heidi-engine contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later
// Package supervisor implements the bounded subprocess spawn with
// timeout/cancel escalation (C7): SIGTERM to the child's process group,
// ~2s grace, then SIGKILL. Captured stdout+stderr is truncated at a byte
// cap and redacted before being surfaced to the Journal.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/redact"
)

// GraceWindow is the interval between SIGTERM and SIGKILL.
const GraceWindow = 2 * time.Second

// ExitKind classifies how a run terminated.
type ExitKind int

const (
	Normal ExitKind = iota
	Signaled
	TimedOut
)

// Result is the outcome of one supervised run.
type Result struct {
	Kind     ExitKind
	ExitCode int // normal exit code, or 128+signal for signaled exits
	Output   string
	Truncated bool
}

// Options configures one supervised run.
type Options struct {
	Argv      []string
	Env       []string
	Timeout   time.Duration
	OutputCap int // bytes; 0 means a 64 KiB default
	Mock      bool // HEIDI_MOCK_SUBPROCESSES=1: synthetic success, no exec
}

// Run spawns argv[0] with argv[1:], places it in its own process group,
// captures combined output, and bounds total wall time at opts.Timeout.
// On timeout or ctx cancellation it escalates SIGTERM -> GraceWindow ->
// SIGKILL against the child's process group.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Mock {
		return Result{Kind: Normal, ExitCode: 0, Output: "[mock] stage completed"}, nil
	}
	if len(opts.Argv) == 0 {
		return Result{}, kerrors.New(kerrors.StageFailed, "supervisor", "empty argv", nil)
	}
	cap := opts.OutputCap
	if cap <= 0 {
		cap = 64 * 1024
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Env = opts.Env
	setProcessGroup(cmd)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return Result{}, kerrors.New(kerrors.StageFailed, "supervisor", "start: "+err.Error(), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return finish(cmd, &buf, cap, err, false)
	case <-runCtx.Done():
		timedOut := runCtx.Err() == context.DeadlineExceeded
		escalate(cmd)
		select {
		case err := <-done:
			return finish(cmd, &buf, cap, err, timedOut)
		case <-time.After(GraceWindow):
			killGroup(cmd)
			err := <-done
			return finish(cmd, &buf, cap, err, timedOut)
		}
	}
}

// escalate sends SIGTERM to the child's process group.
func escalate(cmd *exec.Cmd) { terminateGroup(cmd) }

func finish(cmd *exec.Cmd, buf *bytes.Buffer, cap int, waitErr error, timedOut bool) (Result, error) {
	out := buf.String()
	truncated := false
	if len(out) > cap {
		out = out[:cap] + "\n[truncated]"
		truncated = true
	}
	scrubbed := redact.Scrub(out)

	res := Result{Output: scrubbed.Text, Truncated: truncated}

	if timedOut {
		res.Kind = TimedOut
		res.ExitCode = -1
		return res, kerrors.New(kerrors.StageTimeout, "supervisor", "stage exceeded timeout", nil)
	}

	if waitErr == nil {
		res.Kind = Normal
		res.ExitCode = 0
		return res, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if sig, ok := signalFromExitError(exitErr); ok {
			res.Kind = Signaled
			res.ExitCode = 128 + sig
			return res, nil
		}
		res.Kind = Normal
		res.ExitCode = exitErr.ExitCode()
		return res, kerrors.New(kerrors.StageFailed, "supervisor", fmt.Sprintf("exit code %d", res.ExitCode), waitErr)
	}
	return res, kerrors.New(kerrors.StageFailed, "supervisor", waitErr.Error(), waitErr)
}
