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
// Package journal implements the append-only, hash-chained, schema-locked
// event log (C5). Every line is canonical JSON with exactly the 12 keys
// defined by schema.go; prev_hash chains each line to the SHA-256 of the
// previous line's bytes (including its trailing newline), rooted at
// SHA-256(run_id) for the first line.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/heidi-engine/heidi-engine/internal/canon"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/redact"
)

const maxLineBytes = 1 << 20 // 1 MiB

// Event is the in-memory representation of one journal line. PrevHash is
// assigned by the Logger on Append; callers never set it.
type Event struct {
	EventVersion  string         `json:"event_version"`
	TS            string         `json:"ts"`
	RunID         string         `json:"run_id"`
	Round         int            `json:"round"`
	Stage         string         `json:"stage"`
	Level         string         `json:"level"`
	EventType     string         `json:"event_type"`
	Message       string         `json:"message"`
	CountersDelta map[string]int `json:"counters_delta"`
	UsageDelta    map[string]int `json:"usage_delta"`
	ArtifactPaths []string       `json:"artifact_paths"`
	PrevHash      string         `json:"prev_hash"`
}

// Entry is the public record of an appended or replayed event, paired with
// the chain hash produced by serializing it.
type Entry struct {
	Event Event
	Hash  string
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal([]byte(eventSchemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("journal: invalid embedded schema: %v", err))
	}
	url := "https://heidi-engine.internal/schema/event-1.0.json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("journal: add schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("journal: compile schema: %v", err))
	}
	return s
}

// Logger is the append-only journal writer. Create one with Open; it is
// safe for concurrent use by multiple goroutines within one process, and
// holds an exclusive advisory file lock for the run's lifetime.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	dir      string
	runID    string
	lastHash string
	lastTS   string
	closed   bool
}

// genesisHash returns SHA-256(run_id), the seed prev_hash for the first
// event in a run.
func genesisHash(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:])
}

// Open opens (or creates) the journal at path for run runID. If the file
// already contains entries, Open replays and strictly verifies them before
// resuming, restoring lastHash so the chain continues correctly. It then
// takes an exclusive, non-blocking advisory lock for the run's lifetime;
// a second Open against the same run returns an error.
func Open(path, runID string) (*Logger, error) {
	lastHash := genesisHash(runID)
	lastTS := ""

	if _, err := os.Stat(path); err == nil {
		entries, err := replayFile(path)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			lastHash = last.Hash
			lastTS = last.Event.TS
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, kerrors.NewInternalError("open journal", err.Error(), "", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, kerrors.NewInternalError("open journal", err.Error(), "", err)
	}
	if err := flockExclusive(int(f.Fd())); err != nil {
		f.Close()
		return nil, kerrors.New(kerrors.SchemaLock, "lock journal", fmt.Sprintf("journal %q is already locked by another process: %v", path, err), err)
	}

	return &Logger{
		file:     f,
		dir:      filepath.Dir(path),
		runID:    runID,
		lastHash: lastHash,
		lastTS:   lastTS,
	}, nil
}

// Append validates ev, assigns prev_hash, redacts Message before framing,
// serializes it as canonical JSON, appends "line\n", and fsyncs. A write
// that fails validation or fsync is fatal to the run: the caller must
// transition the orchestrator to ERROR on any non-nil error.
func (l *Logger) Append(ev Event) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, kerrors.NewInternalError("append", "journal is closed", "", nil)
	}

	ev.EventVersion = "1.0"
	ev.RunID = l.runID
	ev.Message = redact.Scrub(ev.Message).Text
	if ev.CountersDelta == nil {
		ev.CountersDelta = map[string]int{}
	}
	if ev.UsageDelta == nil {
		ev.UsageDelta = map[string]int{}
	}
	if ev.ArtifactPaths == nil {
		ev.ArtifactPaths = []string{}
	}
	ev.PrevHash = l.lastHash

	if l.lastTS != "" && ev.TS < l.lastTS {
		return Entry{}, kerrors.New(kerrors.SchemaLock, "append", fmt.Sprintf("ts %q is not non-decreasing after %q", ev.TS, l.lastTS), nil)
	}

	line, err := frameLine(ev)
	if err != nil {
		return Entry{}, err
	}
	if len(line) > maxLineBytes {
		return Entry{}, kerrors.New(kerrors.SchemaLock, "append", "serialized event exceeds 1 MiB", nil)
	}

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, kerrors.NewInternalError("append", "write failed: "+err.Error(), "", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, kerrors.NewInternalError("append", "fsync failed: "+err.Error(), "", err)
	}

	hash := hashLine(line)
	l.lastHash = hash
	l.lastTS = ev.TS
	return Entry{Event: ev, Hash: hash}, nil
}

// frameLine validates ev against the strict schema and returns its
// canonical serialization with a trailing newline. Validation failure
// raises SchemaLock.
func frameLine(ev Event) ([]byte, error) {
	canonical, err := canon.Marshal(ev)
	if err != nil {
		return nil, err
	}
	decoded, err := canon.Decode(canonical)
	if err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(decoded); err != nil {
		return nil, kerrors.New(kerrors.SchemaLock, "validate event", err.Error(), err)
	}
	return append(canonical, '\n'), nil
}

func hashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// Close fsyncs and closes the underlying file, releasing the advisory
// lock. It additionally fsyncs the containing directory where supported,
// per the durability requirement that both the file and its parent
// directory be fsynced before data is considered durable.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	syncErr := l.file.Sync()
	_ = funlock(int(l.file.Fd()))
	closeErr := l.file.Close()
	if dir, err := os.Open(l.dir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	if syncErr != nil {
		return kerrors.NewInternalError("close journal", syncErr.Error(), "", syncErr)
	}
	return closeErr
}

// LastHash returns the current chain head, i.e. the prev_hash that would be
// assigned to the next appended event.
func (l *Logger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// replayFile re-walks path line by line, verifying the hash chain and the
// strict schema for every line. It is shared by Open (resuming a run) and
// the Replay Verifier (C12), which calls the exported Replay function.
func replayFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerrors.NewInternalError("open journal for replay", err.Error(), "", err)
	}
	defer f.Close()

	runID := ""
	expected := ""
	haveRunID := false
	lastTS := ""

	var entries []Entry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes+4096)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineBytes {
			return nil, kerrors.New(kerrors.SchemaLock, "replay", fmt.Sprintf("line %d exceeds 1 MiB", lineNo), nil)
		}

		decoded, err := canon.Decode(line)
		if err != nil {
			return nil, kerrors.New(kerrors.ChainBreak, "replay", fmt.Sprintf("line %d: %v", lineNo, err), err)
		}
		if err := compiledSchema.Validate(decoded); err != nil {
			return nil, kerrors.New(kerrors.SchemaLock, "replay", fmt.Sprintf("line %d: %v", lineNo, err), err)
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, kerrors.New(kerrors.ChainBreak, "replay", fmt.Sprintf("line %d: %v", lineNo, err), err)
		}

		if !haveRunID {
			runID = ev.RunID
			expected = genesisHash(runID)
			haveRunID = true
		}
		if ev.PrevHash != expected {
			return nil, kerrors.New(kerrors.ChainBreak, "replay",
				fmt.Sprintf("chain break at line %d: expected prev_hash %q, got %q", lineNo, expected, ev.PrevHash), nil)
		}
		if lastTS != "" && ev.TS < lastTS {
			return nil, kerrors.New(kerrors.ChainBreak, "replay", fmt.Sprintf("ts out of order at line %d", lineNo), nil)
		}
		lastTS = ev.TS

		// Re-canonicalize exactly as Append would, to get the bytes the
		// chain hash is computed over.
		recanon, err := canon.Marshal(ev)
		if err != nil {
			return nil, err
		}
		recanonLine := append(recanon, '\n')
		hash := hashLine(recanonLine)
		entries = append(entries, Entry{Event: ev, Hash: hash})
		expected = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.NewInternalError("replay", err.Error(), "", err)
	}
	return entries, nil
}

// Replay re-walks the journal at path independently of any Logger,
// returning the ordered entries or the first chain/schema error
// encountered. Used by the Replay Verifier (C12) and by Open when
// resuming a run.
func Replay(path string) ([]Entry, error) {
	return replayFile(path)
}
