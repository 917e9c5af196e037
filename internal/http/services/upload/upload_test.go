// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package upload_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labkode/audiorec/pkg/assembler"
	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/completion"
	"github.com/labkode/audiorec/pkg/session"
	"github.com/labkode/audiorec/internal/http/services/upload"
)

func newTestService(t *testing.T) (*upload.Service, *session.Registry, *chunkstore.Store) {
	t.Helper()
	root := t.TempDir()
	store := chunkstore.New(root)
	reg := session.New()
	a := assembler.New(reg, store, 64*1024, t.TempDir())
	coord := completion.New(reg, a, time.Millisecond, 10*time.Millisecond, time.Hour)
	svc := upload.New(upload.Config{MaxChunkBytes: 1 << 20}, reg, store, coord)
	return svc, reg, store
}

func createSlot(t *testing.T, svc *upload.Service, sessionID string, index, total int, name string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"total_chunks":   total,
		"recording_name": name,
		"format":         "webm",
	})
	req := httptest.NewRequest(http.MethodPost, "/"+sessionID+"/"+strconv.Itoa(index), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func appendChunk(svc *upload.Service, sessionID string, index int, offset int64, data string, final bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/"+sessionID+"/"+strconv.Itoa(index), strings.NewReader(data))
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	if final {
		req.Header.Set("Upload-Chunk-Complete", "true")
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAppendStatusHappyPath(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec := createSlot(t, svc, "s1", 0, 1, "demo.webm")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = appendChunk(svc, "s1", 0, 0, "hello world", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 11, resp["accepted_offset"])

	req := httptest.NewRequest(http.MethodGet, "/s1", nil)
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["persisted_count"])
}

func TestCreateChunkSlotIsIdempotentOnOffset(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec := createSlot(t, svc, "s1", 0, 1, "demo.webm")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = appendChunk(svc, "s1", 0, 0, "hello", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = createSlot(t, svc, "s1", 0, 1, "demo.webm")
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 5, resp["accepted_offset"])
}

func TestAppendOffsetMismatchReturnsActualOffset(t *testing.T) {
	svc, _, _ := newTestService(t)
	createSlot(t, svc, "s1", 0, 1, "demo.webm")

	rec := appendChunk(svc, "s1", 0, 0, "hello", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = appendChunk(svc, "s1", 0, 0, "hello", false)
	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 5, resp["actual_offset"])
}

func TestAppendUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec := appendChunk(svc, "ghost", 0, 0, "x", false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProbeReturnsZeroForUnstartedChunk(t *testing.T) {
	svc, _, _ := newTestService(t)
	createSlot(t, svc, "s1", 0, 2, "demo.webm")

	req := httptest.NewRequest(http.MethodHead, "/s1/1", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 0, resp["accepted_offset"])
}

func TestCancelRefusedDuringAssembly(t *testing.T) {
	svc, reg, _ := newTestService(t)
	createSlot(t, svc, "s1", 0, 1, "demo.webm")
	_, err := reg.Update("s1", func(r *session.Record) error {
		r.AssemblyState = session.AssemblyInProgress
		return nil
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/s1", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRemovesSessionFiles(t *testing.T) {
	svc, reg, store := newTestService(t)
	createSlot(t, svc, "s1", 0, 1, "demo.webm")
	appendChunk(svc, "s1", 0, 0, "hello", true)

	req := httptest.NewRequest(http.MethodDelete, "/s1", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := reg.Get("s1")
	require.Error(t, err)

	_, ok, err := store.SizeOf("s1", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompletionSignalTriggersAssembly(t *testing.T) {
	svc, reg, _ := newTestService(t)
	createSlot(t, svc, "s1", 0, 1, "demo.webm")
	appendChunk(svc, "s1", 0, 0, "hello", true)

	req := httptest.NewRequest(http.MethodPost, "/s1/complete", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		r, err := reg.Get("s1")
		require.NoError(t, err)
		return r.AssemblyState == session.AssemblyDone
	}, 2*time.Second, 5*time.Millisecond)
}
