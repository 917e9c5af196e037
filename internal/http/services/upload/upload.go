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

// Package upload is the Protocol Handlers layer: it translates the
// resumable-upload wire protocol into Chunk Store and Session Registry
// operations, and owns the mapping from internal error kinds to HTTP
// status codes.
package upload

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labkode/audiorec/pkg/appctx"
	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/completion"
	"github.com/labkode/audiorec/pkg/errtypes"
	"github.com/labkode/audiorec/pkg/session"
)

// Config controls the service's prefix and request limits.
type Config struct {
	Prefix       string
	MaxChunkBytes int64
}

// Service is the upload protocol handler, registered under Config.Prefix.
type Service struct {
	conf       Config
	registry   *session.Registry
	store      *chunkstore.Store
	coordinator *completion.Coordinator
	handler    http.Handler
}

// New returns a Service wired to the given Session Registry, Chunk
// Store, and Completion Coordinator.
func New(conf Config, reg *session.Registry, store *chunkstore.Store, coord *completion.Coordinator) *Service {
	if conf.Prefix == "" {
		conf.Prefix = "upload"
	}
	s := &Service{conf: conf, registry: reg, store: store, coordinator: coord}
	s.mount()
	return s
}

// Prefix returns the URL path prefix this service is mounted under.
func (s *Service) Prefix() string { return s.conf.Prefix }

// Handler returns the service's chi router.
func (s *Service) Handler() http.Handler { return s.handler }

// Close performs cleanup. The upload service owns no resources that
// outlive a request.
func (s *Service) Close() error { return nil }

func (s *Service) mount() {
	r := chi.NewRouter()
	r.Post("/{session}/{index}", s.createChunkSlot)
	r.Patch("/{session}/{index}", s.appendChunk)
	r.Head("/{session}/{index}", s.probeChunk)
	r.Get("/{session}/{index}/verify", s.verifyChunk)
	r.Put("/{session}/{index}/multipart", s.appendMultipart)
	r.Get("/{session}", s.status)
	r.Post("/{session}/complete", s.completionSignal)
	r.Post("/{session}/assemble", s.assemble)
	r.Delete("/{session}", s.cancel)
	s.handler = r
}

func chunkIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		return 0, errtypes.BadIdentifier("chunk index must be a non-negative integer")
	}
	return idx, nil
}

// createChunkSlotRequest is the JSON body of the create-chunk-slot verb.
type createChunkSlotRequest struct {
	TotalChunks        int               `json:"total_chunks"`
	ExpectedTotalBytes int64             `json:"expected_total_bytes,omitempty"`
	RecordingName      string            `json:"recording_name"`
	Format             string            `json:"format"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type createChunkSlotResponse struct {
	Location       string `json:"location"`
	AcceptedOffset int64  `json:"accepted_offset"`
}

func (s *Service) createChunkSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)
	sessionID := chi.URLParam(r, "session")
	index, err := chunkIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body createChunkSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, errtypes.BadIdentifier("malformed create-chunk-slot body"))
		return
	}

	_, err = s.registry.GetOrCreate(sessionID, session.CreateMetadata{
		TotalChunks:        body.TotalChunks,
		ExpectedTotalBytes: body.ExpectedTotalBytes,
		RecordingName:      body.RecordingName,
		Format:             body.Format,
		Passthrough:        body.Metadata,
	}, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	path, err := s.store.EnsureChunkSlot(sessionID, index)
	if err != nil {
		writeError(w, err)
		return
	}

	// Create-chunk-slot is idempotent: re-issuing it for an (session,
	// chunk_index) that already has data on disk returns the current
	// offset, not zero, so a client that retries create after a partial
	// append knows where to resume from.
	offset, _, err := s.store.SizeOf(sessionID, index)
	if err != nil {
		writeError(w, err)
		return
	}

	_, _ = s.registry.Update(sessionID, func(rec *session.Record) error {
		rec.LastActivityAt = time.Now()
		return nil
	})

	log.Debug().Str("session", sessionID).Int("index", index).Msg("upload: created chunk slot")
	writeJSON(w, http.StatusCreated, createChunkSlotResponse{Location: path, AcceptedOffset: offset})
}

type appendResponse struct {
	AcceptedOffset int64 `json:"accepted_offset"`
}

func (s *Service) appendChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	index, err := chunkIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if index >= rec.TotalChunks {
		writeError(w, errtypes.UnknownChunk(strconv.Itoa(index)))
		return
	}

	declared, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		writeError(w, errtypes.BadIdentifier("missing or malformed Upload-Offset header"))
		return
	}

	actual, _, err := s.store.SizeOf(sessionID, index)
	if err != nil {
		writeError(w, err)
		return
	}
	if actual != declared {
		writeError(w, errtypes.OffsetMismatch{ActualOffset: actual})
		return
	}

	body, err := readLimited(r, s.conf.MaxChunkBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	newOffset, err := s.store.AppendAt(sessionID, index, declared, body)
	if err != nil {
		writeError(w, err)
		return
	}

	// The wire protocol has no separate "announced chunk size" field
	// (chunk_sizes in the data model is only populated once a chunk is
	// persisted): a chunk is marked persisted when the client
	// explicitly flags it complete.
	finalFlag := r.Header.Get("Upload-Chunk-Complete") == "true"

	_, err = s.registry.Update(sessionID, func(r *session.Record) error {
		if index < 0 || index >= r.TotalChunks {
			return errtypes.UnknownChunk(strconv.Itoa(index))
		}
		r.ChunkOffsets[index] = newOffset
		r.LastActivityAt = time.Now()
		if finalFlag {
			r.ChunksPersisted[index] = struct{}{}
			r.ChunkSizes[index] = newOffset
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, appendResponse{AcceptedOffset: newOffset})
}

func (s *Service) appendMultipart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	index, err := chunkIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		writeError(w, err)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, errtypes.BadIdentifier("missing multipart field \"chunk\""))
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, s.conf.MaxChunkBytes+1))
	if err != nil {
		writeError(w, err)
		return
	}
	if int64(len(body)) > s.conf.MaxChunkBytes {
		writeError(w, errtypes.PayloadTooLarge("chunk exceeds max_chunk_bytes"))
		return
	}

	// The fallback verb always writes a full chunk at offset 0,
	// overwriting any partial prior attempt for this chunk.
	newOffset, err := s.overwriteChunk(sessionID, index, body)
	if err != nil {
		writeError(w, err)
		return
	}

	_, err = s.registry.Update(sessionID, func(r *session.Record) error {
		r.ChunkOffsets[index] = newOffset
		r.ChunkSizes[index] = newOffset
		r.ChunksPersisted[index] = struct{}{}
		r.LastActivityAt = time.Now()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunk_received": true,
		"chunk_index":    index,
	})
}

// overwriteChunk truncates the chunk file before writing, since the
// fallback multipart verb always writes a full chunk at offset 0
// regardless of any previous partial write.
func (s *Service) overwriteChunk(sessionID string, index int, body []byte) (int64, error) {
	if err := s.store.DeleteChunkFile(sessionID, index); err != nil {
		return 0, err
	}
	return s.store.AppendAt(sessionID, index, 0, body)
}

type probeResponse struct {
	AcceptedOffset int64 `json:"accepted_offset"`
}

func (s *Service) probeChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	index, err := chunkIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		writeError(w, err)
		return
	}
	size, _, err := s.store.SizeOf(sessionID, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{AcceptedOffset: size})
}

type verifyResponse struct {
	Exists    bool   `json:"exists"`
	Size      int64  `json:"size"`
	PathHint  string `json:"path_hint,omitempty"`
}

func (s *Service) verifyChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	index, err := chunkIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		writeError(w, err)
		return
	}
	size, ok, err := s.store.SizeOf(sessionID, index)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := verifyResponse{Exists: ok, Size: size}
	if ok {
		resp.PathHint = sessionID + "/chunks/" + strconv.Itoa(index)
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	TotalChunks      int           `json:"total_chunks"`
	PersistedCount   int           `json:"persisted_count"`
	MissingIndices   []int         `json:"missing_indices"`
	AssemblyState    session.AssemblyState `json:"assembly_state"`
	ArtifactPath     string        `json:"artifact_path,omitempty"`
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	rec, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TotalChunks:    rec.TotalChunks,
		PersistedCount: len(rec.ChunksPersisted),
		MissingIndices: rec.MissingIndices(),
		AssemblyState:  rec.AssemblyState,
		ArtifactPath:   rec.ArtifactPath,
	})
}

type completionResponse struct {
	AssemblyState session.AssemblyState `json:"assembly_state"`
}

func (s *Service) completionSignal(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	if _, err := s.registry.Get(sessionID); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.coordinator.Signal(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, completionResponse{AssemblyState: state})
}

// assemble is the manual administrative-recovery trigger; it shares
// the completion signal's semantics exactly.
func (s *Service) assemble(w http.ResponseWriter, r *http.Request) {
	s.completionSignal(w, r)
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	rec, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.AssemblyState == session.AssemblyInProgress {
		writeError(w, errtypes.AssemblyInProgress(sessionID))
		return
	}
	if err := s.store.DeleteSession(sessionID); err != nil {
		writeError(w, err)
		return
	}
	s.registry.Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func readLimited(r *http.Request, max int64) ([]byte, error) {
	limited := io.LimitReader(r.Body, max+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errtypes.PayloadTooLarge("append body exceeds max_chunk_bytes")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire shape for every rejected request.
type errorResponse struct {
	Error string `json:"error"`
	// ActualOffset is populated only for OffsetMismatch, the one error
	// kind whose detail the client must read to resume correctly.
	ActualOffset *int64 `json:"actual_offset,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case asOffsetMismatch(err, &resp):
		status = http.StatusConflict
	case errors.As(err, new(errtypes.UnknownSession)):
		status = http.StatusNotFound
	case errors.As(err, new(errtypes.UnknownChunk)):
		status = http.StatusNotFound
	case errors.As(err, new(errtypes.BadIdentifier)):
		status = http.StatusBadRequest
	case errors.As(err, new(errtypes.MetadataConflict)):
		status = http.StatusConflict
	case errors.As(err, new(errtypes.PayloadTooLarge)):
		status = http.StatusRequestEntityTooLarge
	case errors.As(err, new(errtypes.StorageFull)):
		status = http.StatusInsufficientStorage
	case errors.As(err, new(errtypes.AssemblyInProgress)):
		status = http.StatusConflict
	case errors.As(err, new(errtypes.MissingChunks)):
		status = http.StatusConflict
	}

	writeJSON(w, status, resp)
}

func asOffsetMismatch(err error, resp *errorResponse) bool {
	var mismatch errtypes.OffsetMismatch
	if !errors.As(err, &mismatch) {
		return false
	}
	resp.ActualOffset = &mismatch.ActualOffset
	return true
}
