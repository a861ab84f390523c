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
// Package control implements the Control Surface (C11): a loopback-only
// HTTP endpoint exposing GET /status and POST /actions/train-now, plus the
// cooperative filesystem-latch protocol (stop_requested, pause_requested,
// train_now.<run_id>, train_now.latest) watched via fsnotify so latches
// are observed promptly between stage-boundary polls.
package control

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heidi-engine/heidi-engine/internal/clock"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/journal"
	"github.com/heidi-engine/heidi-engine/internal/pathguard"
	"github.com/heidi-engine/heidi-engine/internal/status"
)

// LatchObserver is called when the watcher observes a latch file appear.
// kind is one of "stop", "pause", "train_now".
type LatchObserver func(kind, runID string)

// Surface is the loopback-only control endpoint for one run.
type Surface struct {
	runRoot    string
	runID      string
	statusPath string
	server     *http.Server
	watcher    *fsnotify.Watcher
	journal    *journal.Logger
	clock      clock.Clock
}

// New constructs a Surface bound to addr (must resolve to a loopback
// address; binding to any other interface is refused at construction). j
// and clk are optional: a nil journal means surface operations are not
// journaled, which is only acceptable in tests that exercise the HTTP
// handlers in isolation from a run.
func New(addr, runRoot, runID string, j *journal.Logger, clk clock.Clock) (*Surface, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, kerrors.NewInternalError("control surface", "invalid addr: "+err.Error(), "", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, kerrors.New(kerrors.PathEscape, "control surface", "refuse to bind to non-loopback address "+addr, nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Surface{
		runRoot:    runRoot,
		runID:      runID,
		statusPath: filepath.Join(runRoot, "state.json"),
		journal:    j,
		clock:      clk,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/actions/train-now", s.handleTrainNow)
	s.server = &http.Server{Addr: addr, Handler: loopbackOnly(mux)}
	return s, nil
}

// emit journals a surface operation, per the requirement that all surface
// operations are journaled. It is a no-op when no journal was supplied.
func (s *Surface) emit(eventType, message string) {
	if s.journal == nil {
		return
	}
	_, _ = s.journal.Append(journal.Event{
		TS:        s.clock.NowISO8601(),
		Stage:     "pipeline",
		Level:     "info",
		EventType: eventType,
		Message:   message,
	})
}

// loopbackOnly rejects any request whose remote address is not loopback,
// enforcing the bind-time guarantee even behind a misconfigured proxy.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := status.Read(s.statusPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.emit("script_success", "GET /status served")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Surface) handleTrainNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.CreateLatch("train_now." + s.runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// CreateLatch creates a latch file idempotently under the run's actions/
// directory. name must sanitize to a valid path component.
func (s *Surface) CreateLatch(name string) error {
	safeName, err := pathguard.SanitizeIdentifier(name)
	if err != nil {
		return err
	}
	actionsDir := filepath.Join(s.runRoot, "actions")
	if err := os.MkdirAll(actionsDir, 0o700); err != nil {
		return kerrors.NewInternalError("create latch", err.Error(), "", err)
	}
	path := filepath.Join(actionsDir, safeName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return kerrors.NewInternalError("create latch", err.Error(), "", err)
	}
	if err := f.Close(); err != nil {
		return kerrors.NewInternalError("create latch", err.Error(), "", err)
	}
	s.emit(latchEventType(safeName), "latch created: "+safeName)
	return nil
}

// latchEventType maps a latch file name to the closest fixed event_type
// this latch's kind has: a stop latch mirrors pipeline_stop, a train-now
// latch mirrors train_now_trigger, and anything else (including
// pause_requested, which has no dedicated enum value) falls back to the
// generic script_success confirmation.
func latchEventType(name string) string {
	switch {
	case name == "stop_requested":
		return "pipeline_stop"
	case strings.HasPrefix(name, "train_now."):
		return "train_now_trigger"
	default:
		return "script_success"
	}
}

// ClearLatch removes a latch file; the orchestrator calls this after
// consuming pause_requested on resume.
func (s *Surface) ClearLatch(name string) error {
	safeName, err := pathguard.SanitizeIdentifier(name)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.runRoot, "actions", safeName))
	if err != nil && !os.IsNotExist(err) {
		return kerrors.NewInternalError("clear latch", err.Error(), "", err)
	}
	return nil
}

// HasLatch reports whether a latch file currently exists.
func (s *Surface) HasLatch(name string) bool {
	safeName, err := pathguard.SanitizeIdentifier(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.runRoot, "actions", safeName))
	return err == nil
}

// Watch starts an fsnotify watch on the actions/ directory, invoking
// observe whenever a recognized latch file is created. It debounces
// bursts of events within a short window, mirroring the watcher pattern
// used elsewhere in this codebase for filesystem-triggered work.
func (s *Surface) Watch(observe LatchObserver) error {
	actionsDir := filepath.Join(s.runRoot, "actions")
	if err := os.MkdirAll(actionsDir, 0o700); err != nil {
		return kerrors.NewInternalError("watch actions", err.Error(), "", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return kerrors.NewInternalError("watch actions", err.Error(), "", err)
	}
	if err := w.Add(actionsDir); err != nil {
		w.Close()
		return kerrors.NewInternalError("watch actions", err.Error(), "", err)
	}
	s.watcher = w

	go func() {
		debounce := map[string]time.Time{}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if t, seen := debounce[name]; seen && time.Since(t) < 200*time.Millisecond {
					continue
				}
				debounce[name] = time.Now()

				switch {
				case name == "stop_requested":
					observe("stop", s.runID)
				case name == "pause_requested":
					observe("pause", s.runID)
				case name == "train_now."+s.runID, name == "train_now.latest":
					observe("train_now", s.runID)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// ListenAndServe starts the HTTP server; it blocks until the server stops.
func (s *Surface) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and filesystem watcher.
func (s *Surface) Shutdown() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	return s.server.Close()
}
