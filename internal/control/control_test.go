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
package control

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heidi-engine/heidi-engine/internal/journal"
	"github.com/heidi-engine/heidi-engine/internal/status"
)

func TestNew_RefusesNonLoopbackAddress(t *testing.T) {
	_, err := New("10.0.0.1:9191", t.TempDir(), "run-1", nil, nil)
	require.Error(t, err)
}

func TestNew_AcceptsLoopbackAddress(t *testing.T) {
	s, err := New("127.0.0.1:0", t.TempDir(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, status.Write(filepath.Join(root, "state.json"), status.Snapshot{
		RunID: "run-1", Status: "COLLECTING", CurrentStage: "generate",
	}))
	s, err := New("127.0.0.1:0", root, "run-1", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)
}

func TestHandleStatus_RejectsNonGet(t *testing.T) {
	s, err := New("127.0.0.1:0", t.TempDir(), "run-1", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleTrainNow_CreatesLatch(t *testing.T) {
	root := t.TempDir()
	s, err := New("127.0.0.1:0", root, "run-1", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/actions/train-now", nil)
	rec := httptest.NewRecorder()
	s.handleTrainNow(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.FileExists(t, filepath.Join(root, "actions", "train_now.run-1"))
}

func TestLatchLifecycle_CreateHasClear(t *testing.T) {
	root := t.TempDir()
	s, err := New("127.0.0.1:0", root, "run-1", nil, nil)
	require.NoError(t, err)

	assert.False(t, s.HasLatch("stop_requested"))
	require.NoError(t, s.CreateLatch("stop_requested"))
	assert.True(t, s.HasLatch("stop_requested"))
	require.NoError(t, s.ClearLatch("stop_requested"))
	assert.False(t, s.HasLatch("stop_requested"))
}

func TestClearLatch_MissingFileIsNotAnError(t *testing.T) {
	root := t.TempDir()
	s, err := New("127.0.0.1:0", root, "run-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.ClearLatch("never_existed"))
}

func TestWatch_ObservesStopAndTrainNowLatches(t *testing.T) {
	root := t.TempDir()
	s, err := New("127.0.0.1:0", root, "run-2", nil, nil)
	require.NoError(t, err)

	seen := make(chan string, 4)
	require.NoError(t, s.Watch(func(kind, runID string) {
		seen <- kind + ":" + runID
	}))
	defer s.Shutdown()

	require.NoError(t, s.CreateLatch("stop_requested"))
	select {
	case ev := <-seen:
		assert.Equal(t, "stop:run-2", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop latch notification")
	}

	require.NoError(t, os.Remove(filepath.Join(root, "actions", "stop_requested")))
	require.NoError(t, s.CreateLatch("train_now.run-2"))
	select {
	case ev := <-seen:
		assert.Equal(t, "train_now:run-2", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for train_now latch notification")
	}
}

func TestListenAndServeShutdown_RoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, status.Write(filepath.Join(root, "state.json"), status.Snapshot{RunID: "run-3", Status: "IDLE"}))
	s, err := New("127.0.0.1:0", root, "run-3", nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after Shutdown")
	}
}

func TestHandleStatus_EmitsJournalEvent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, status.Write(filepath.Join(root, "state.json"), status.Snapshot{RunID: "run-4", Status: "IDLE"}))
	j, err := journal.Open(filepath.Join(root, "events.jsonl"), "run-4")
	require.NoError(t, err)
	defer j.Close()

	s, err := New("127.0.0.1:0", root, "run-4", j, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := os.ReadFile(filepath.Join(root, "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"script_success"`)
}

func TestHandleTrainNow_EmitsJournalEvent(t *testing.T) {
	root := t.TempDir()
	j, err := journal.Open(filepath.Join(root, "events.jsonl"), "run-5")
	require.NoError(t, err)
	defer j.Close()

	s, err := New("127.0.0.1:0", root, "run-5", j, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/actions/train-now", nil)
	rec := httptest.NewRecorder()
	s.handleTrainNow(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := os.ReadFile(filepath.Join(root, "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"train_now_trigger"`)
}
