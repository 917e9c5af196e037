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

// Package session holds the in-memory Session Registry: a process-wide
// map from session identifier to session record, guarded so that
// mutations to one session never block mutations to another.
package session

import (
	"sync"
	"time"

	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/errtypes"
)

// AssemblyState is the per-session assembly state machine. The forward
// path is none -> pending -> in_progress -> {done, failed}; in_progress
// also returns to pending when the Assembler finds chunks missing or
// cannot take its flock, and at startup (DemoteInProgress), and pending
// goes straight to failed when the Completion Coordinator gives up.
type AssemblyState string

const (
	AssemblyNone       AssemblyState = "none"
	AssemblyPending    AssemblyState = "pending"
	AssemblyInProgress AssemblyState = "in_progress"
	AssemblyDone       AssemblyState = "done"
	AssemblyFailed     AssemblyState = "failed"
)

// Record is one session's upload state. Every mutation to a live
// Record happens through Registry.Update; callers never write to a
// Record obtained from Get/GetOrCreate directly.
type Record struct {
	SessionID    string
	TotalChunks  int
	// ExpectedTotalBytes is optional; zero means "not announced".
	ExpectedTotalBytes int64
	ChunksPersisted    map[int]struct{}
	ChunkSizes         map[int]int64
	ChunkOffsets       map[int]int64
	RecordingName      string
	Format             string
	// Metadata carries passthrough key/value pairs from create-chunk-slot
	// that are not otherwise interpreted by the server, persisted into
	// the sidecar file at assembly time.
	Metadata map[string]string

	CreatedAt        time.Time
	LastActivityAt   time.Time
	CompletionSignalled bool
	AssemblyState    AssemblyState
	// CompletedAt is set once AssemblyState == done; used by the
	// Sweeper to enforce the completed-artifact retention window.
	CompletedAt time.Time
	// ArtifactPath is set once AssemblyState == done.
	ArtifactPath string
	// AssemblyError carries the failure detail once AssemblyState == failed.
	AssemblyError string

	// known is false for a record rehydrated from disk before the
	// client has resupplied total_chunks/recording_name/format; such a
	// record has TotalChunks zero, so every append to it is rejected
	// with UnknownChunk until then. Verify, completion and assemble are
	// not restricted for it.
	known bool
}

// Known reports whether the client has supplied the full create-slot
// metadata (total_chunks, recording_name, format) for this record.
// False only for a record rehydrated from an on-disk chunk tree after
// a restart, before the client reasserts its metadata.
func (r *Record) Known() bool { return r.known }

// Clone returns a deep-enough copy of r for safe handoff to callers
// outside the registry's lock.
func (r *Record) Clone() *Record {
	cp := *r
	cp.ChunksPersisted = cloneIntSet(r.ChunksPersisted)
	cp.ChunkSizes = cloneIntInt64Map(r.ChunkSizes)
	cp.ChunkOffsets = cloneIntInt64Map(r.ChunkOffsets)
	cp.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func cloneIntSet(m map[int]struct{}) map[int]struct{} {
	cp := make(map[int]struct{}, len(m))
	for k := range m {
		cp[k] = struct{}{}
	}
	return cp
}

func cloneIntInt64Map(m map[int]int64) map[int]int64 {
	cp := make(map[int]int64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// MissingIndices returns the sorted chunk indices in [0, TotalChunks)
// not yet in ChunksPersisted.
func (r *Record) MissingIndices() []int {
	var out []int
	for i := 0; i < r.TotalChunks; i++ {
		if _, ok := r.ChunksPersisted[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// entry is the registry's per-session slot: its own mutex guards only
// this session's record, so two sessions never contend on the same
// lock.
type entry struct {
	mu     sync.Mutex
	record *Record
}

// Registry is the process-wide Session Registry. The zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.RWMutex // guards the map itself, never held across I/O
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// CreateMetadata carries the fields a create-chunk-slot request
// supplies.
type CreateMetadata struct {
	TotalChunks        int
	ExpectedTotalBytes int64
	RecordingName      string
	Format             string
	Passthrough        map[string]string
}

// GetOrCreate returns the existing record for sessionID, or creates one
// from meta if none exists. If a record already exists, its identifying
// fields are checked against meta and errtypes.MetadataConflict is
// returned on mismatch (only once the record is "known"; a half-known
// record rehydrated from disk accepts the client's first reassertion
// unconditionally).
func (reg *Registry) GetOrCreate(sessionID string, meta CreateMetadata, now time.Time) (*Record, error) {
	if err := chunkstore.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if meta.TotalChunks <= 0 {
		return nil, errtypes.MetadataConflict("total_chunks must be positive")
	}

	e := reg.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record == nil {
		e.record = &Record{
			SessionID:          sessionID,
			TotalChunks:        meta.TotalChunks,
			ExpectedTotalBytes: meta.ExpectedTotalBytes,
			ChunksPersisted:    map[int]struct{}{},
			ChunkSizes:         map[int]int64{},
			ChunkOffsets:       map[int]int64{},
			RecordingName:      meta.RecordingName,
			Format:             meta.Format,
			Metadata:           meta.Passthrough,
			CreatedAt:          now,
			LastActivityAt:     now,
			AssemblyState:      AssemblyNone,
			known:              true,
		}
		return e.record.Clone(), nil
	}

	r := e.record
	if !r.known {
		r.TotalChunks = meta.TotalChunks
		r.ExpectedTotalBytes = meta.ExpectedTotalBytes
		r.RecordingName = meta.RecordingName
		r.Format = meta.Format
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		for k, v := range meta.Passthrough {
			r.Metadata[k] = v
		}
		r.known = true
		r.LastActivityAt = now
		return r.Clone(), nil
	}

	if r.TotalChunks != meta.TotalChunks || r.RecordingName != meta.RecordingName || r.Format != meta.Format {
		return nil, errtypes.MetadataConflict(sessionID)
	}
	r.LastActivityAt = now
	return r.Clone(), nil
}

// Get returns a copy of the record for sessionID, or
// errtypes.UnknownSession if none exists.
func (reg *Registry) Get(sessionID string) (*Record, error) {
	reg.mu.RLock()
	e, ok := reg.entries[sessionID]
	reg.mu.RUnlock()
	if !ok {
		return nil, errtypes.UnknownSession(sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, errtypes.UnknownSession(sessionID)
	}
	return e.record.Clone(), nil
}

// UpdateFunc mutates a record in place and returns an error to abort
// the update (the record is left unchanged on error).
type UpdateFunc func(r *Record) error

// Update atomically applies fn to the record for sessionID. fn
// observes and mutates the live record directly; it must not retain a
// reference to r beyond its own execution. Only I/O-free, fast
// mutation belongs inside fn: Update serializes all updates to one
// session, so blocking fn blocks every other request for that session.
func (reg *Registry) Update(sessionID string, fn UpdateFunc) (*Record, error) {
	reg.mu.RLock()
	e, ok := reg.entries[sessionID]
	reg.mu.RUnlock()
	if !ok {
		return nil, errtypes.UnknownSession(sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, errtypes.UnknownSession(sessionID)
	}
	backup := e.record.Clone()
	if err := fn(e.record); err != nil {
		e.record = backup
		return nil, err
	}
	return e.record.Clone(), nil
}

// Delete removes the record for sessionID, if any. Deleting an unknown
// session is not an error: callers use Delete from cancel and from the
// Sweeper, both of which tolerate an already-gone session.
func (reg *Registry) Delete(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.entries, sessionID)
}

// entryFor returns (creating if necessary) the per-session entry for
// sessionID, holding the map lock only long enough to do so.
func (reg *Registry) entryFor(sessionID string) *entry {
	reg.mu.RLock()
	e, ok := reg.entries[sessionID]
	reg.mu.RUnlock()
	if ok {
		return e
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if e, ok := reg.entries[sessionID]; ok {
		return e
	}
	e = &entry{}
	reg.entries[sessionID] = e
	return e
}

// IterAll returns a snapshot of every live record, for the Sweeper and
// the health probe's session count.
func (reg *Registry) IterAll() []*Record {
	reg.mu.RLock()
	entries := make([]*entry, 0, len(reg.entries))
	for _, e := range reg.entries {
		entries = append(entries, e)
	}
	reg.mu.RUnlock()

	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.record != nil {
			out = append(out, e.record.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// IterExpired returns a snapshot of records whose LastActivityAt is
// older than now.Add(-ttl) and whose AssemblyState is not in_progress.
func (reg *Registry) IterExpired(now time.Time, ttl time.Duration) []*Record {
	var out []*Record
	for _, r := range reg.IterAll() {
		if r.AssemblyState == AssemblyInProgress {
			continue
		}
		if now.Sub(r.LastActivityAt) >= ttl {
			out = append(out, r)
		}
	}
	return out
}

// Hydrate registers a record reconstructed from an on-disk chunk tree
// found by the Chunk Store at startup. The record starts "half-known":
// it accepts probe, status, and cancel, but GetOrCreate requires the
// client to resupply total_chunks/recording_name/format before any
// append is accepted again.
func (reg *Registry) Hydrate(sessionID string, chunks []chunkstore.ChunkInfo, lastActivity time.Time) {
	e := reg.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record != nil {
		return
	}

	r := &Record{
		SessionID:       sessionID,
		ChunksPersisted: map[int]struct{}{},
		ChunkSizes:      map[int]int64{},
		ChunkOffsets:    map[int]int64{},
		Metadata:        map[string]string{},
		CreatedAt:       lastActivity,
		LastActivityAt:  lastActivity,
		AssemblyState:   AssemblyNone,
		known:           false,
	}
	for _, c := range chunks {
		r.ChunksPersisted[c.Index] = struct{}{}
		r.ChunkSizes[c.Index] = c.Size
		r.ChunkOffsets[c.Index] = c.Size
	}
	e.record = r
}

// DemoteInProgress transitions every in_progress record back to
// pending; called once at startup since an in_progress state can only
// have been left behind by a process crash mid-assembly.
func (reg *Registry) DemoteInProgress() {
	reg.mu.RLock()
	entries := make([]*entry, 0, len(reg.entries))
	for _, e := range reg.entries {
		entries = append(entries, e)
	}
	reg.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.record != nil && e.record.AssemblyState == AssemblyInProgress {
			e.record.AssemblyState = AssemblyPending
		}
		e.mu.Unlock()
	}
}
