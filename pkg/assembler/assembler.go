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

// Package assembler runs the background job that concatenates a
// session's persisted chunks into one artifact plus a metadata
// sidecar, then deletes the chunk tree. The CAS on the session's
// assembly_state from pending to in_progress is the only
// correctness-critical synchronization; the local running set and the
// advisory per-session flock are additional guards alongside it.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/labkode/audiorec/pkg/appctx"
	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/errtypes"
	"github.com/labkode/audiorec/pkg/session"
)

// sidecar is the structured record written next to a completed
// artifact, per spec.md's ".meta contents" section.
type sidecar struct {
	SessionID   string            `json:"session_id"`
	TotalChunks int               `json:"total_chunks"`
	TotalBytes  int64             `json:"total_bytes"`
	Format      string            `json:"format"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Assembler runs one assembly task per session on demand, guaranteeing
// at most one concurrent task for a given session via the registry's
// assembly_state CAS.
type Assembler struct {
	Registry  *session.Registry
	Store     *chunkstore.Store
	BufSize   int
	LockDir   string // directory holding advisory per-session flock files

	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

// New returns an Assembler. bufSize is the bounded-memory copy buffer
// used while streaming chunks into the artifact; lockDir holds one
// advisory flock file per session, a second guard alongside the
// assembly_state CAS against an accidental second process racing the
// same session.
func New(reg *session.Registry, store *chunkstore.Store, bufSize int, lockDir string) *Assembler {
	return &Assembler{
		Registry: reg,
		Store:    store,
		BufSize:  bufSize,
		LockDir:  lockDir,
		running:  make(map[string]struct{}),
	}
}

// TryStart attempts to move sessionID's assembly_state from pending to
// in_progress and, on success, runs the assembly in a new goroutine.
// It is always safe to call TryStart more than once for the same
// session: every caller but the one that wins the CAS returns
// immediately with nil, including when another task for the session is
// already registered locally (belt-and-suspenders alongside the CAS)
// and when the session is not pending.
func (a *Assembler) TryStart(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	if _, ok := a.running[sessionID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.running[sessionID] = struct{}{}
	a.mu.Unlock()

	started := false
	defer func() {
		if !started {
			a.mu.Lock()
			delete(a.running, sessionID)
			a.mu.Unlock()
		}
	}()

	_, err := a.Registry.Update(sessionID, func(r *session.Record) error {
		if r.AssemblyState != session.AssemblyPending {
			return errtypes.AssemblyInProgress(sessionID)
		}
		r.AssemblyState = session.AssemblyInProgress
		return nil
	})
	if err != nil {
		return nil // not eligible right now; not an error for the caller
	}

	started = true
	log := appctx.GetLogger(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, sessionID)
			a.mu.Unlock()
		}()
		a.run(sessionID, log)
	}()
	return nil
}

// Wait blocks until every in-flight assembly task has reached a
// terminal state. Used during graceful shutdown to let started work
// finish. Wait does not stop TryStart from starting new tasks: TryStart
// does not consult its context or any shutdown state.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

// run performs the actual concatenation. Every exit path writes a
// terminal or retriable assembly_state: done, failed, or a transition
// back to pending so the Completion Coordinator retries.
func (a *Assembler) run(sessionID string, log *zerolog.Logger) {
	fl := flock.New(a.lockPath(sessionID))
	locked, err := fl.TryLock()
	if err != nil || !locked {
		log.Warn().Str("session", sessionID).Msg("could not acquire assembly flock, backing off")
		a.backToPending(sessionID)
		return
	}
	defer fl.Unlock()

	rec, err := a.Registry.Get(sessionID)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("assembler: session vanished mid-run")
		return
	}

	missing := rec.MissingIndices()
	if len(missing) > 0 {
		log.Info().Str("session", sessionID).Ints("missing", missing).Msg("assembler: chunks still missing, deferring")
		a.backToPending(sessionID)
		return
	}

	sources := make([]chunkstore.ChunkSource, rec.TotalChunks)
	var totalBytes int64
	for i := 0; i < rec.TotalChunks; i++ {
		idx := i
		sources[i] = chunkstore.ChunkSource{
			Index: idx,
			Open:  func() (io.ReadCloser, error) { return a.Store.StreamRange(sessionID, idx, 0) },
		}
		totalBytes += rec.ChunkSizes[idx]
	}

	artifactPath, err := a.Store.PublishCompleted(sessionID, rec.RecordingName, sources, a.BufSize)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("assembler: publishing artifact failed")
		a.fail(sessionID, err)
		return
	}

	completedAt := time.Now()
	meta := sidecar{
		SessionID:   sessionID,
		TotalChunks: rec.TotalChunks,
		TotalBytes:  totalBytes,
		Format:      rec.Format,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: completedAt,
		Metadata:    rec.Metadata,
	}
	blob, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("assembler: marshaling sidecar failed")
		a.fail(sessionID, err)
		return
	}
	if _, err := a.Store.WriteSidecar(sessionID, rec.RecordingName, blob); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("assembler: writing sidecar failed")
		a.fail(sessionID, err)
		return
	}

	if err := a.Store.DeleteSessionChunks(sessionID); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("assembler: chunk tree cleanup failed, artifact still valid")
	}

	_, err = a.Registry.Update(sessionID, func(r *session.Record) error {
		r.AssemblyState = session.AssemblyDone
		r.ArtifactPath = artifactPath
		r.CompletedAt = completedAt
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("assembler: session vanished after successful assembly")
	}
}

func (a *Assembler) backToPending(sessionID string) {
	_, _ = a.Registry.Update(sessionID, func(r *session.Record) error {
		if r.AssemblyState == session.AssemblyInProgress {
			r.AssemblyState = session.AssemblyPending
		}
		return nil
	})
}

func (a *Assembler) fail(sessionID string, cause error) {
	_, _ = a.Registry.Update(sessionID, func(r *session.Record) error {
		r.AssemblyState = session.AssemblyFailed
		r.AssemblyError = cause.Error()
		return nil
	})
}

func (a *Assembler) lockPath(sessionID string) string {
	return fmt.Sprintf("%s/%s.lock", a.LockDir, sessionID)
}
