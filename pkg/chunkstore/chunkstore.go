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

// Package chunkstore owns the on-disk layout for session chunks and
// completed artifacts:
//
//	{root}/{session}/chunks/shard_{NNNN}/{chunk_index}
//	{root}/{session}/completed/{recording_name}
//	{root}/{session}/completed/{recording_name}.meta
//
// It is the only component that touches the filesystem under the
// storage root; every path it hands out has already been validated
// against path traversal.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/renameio/v2"

	"github.com/labkode/audiorec/pkg/errtypes"
)

// shardSize bounds the number of chunk files in any one shard directory.
const shardSize = 1000

// sessionIDPattern is the alphabet session identifiers are validated
// against. No byte outside this set ever reaches the filesystem. The
// default is conservative (alphanumeric, dash, underscore); operators
// can narrow or widen it via storage.session_identifier_alphabet,
// applied once at startup through SetIdentifierAlphabet.
var (
	sessionIDMu      sync.RWMutex
	sessionIDPattern = regexp.MustCompile(`^[0-9a-zA-Z_-]+$`)
)

// SetIdentifierAlphabet rebuilds the session identifier validation
// pattern from alphabet, the literal set of characters a session_id may
// contain (as configured by storage.session_identifier_alphabet). It is
// meant to be called once at startup, before the Chunk Store or Session
// Registry see concurrent traffic.
func SetIdentifierAlphabet(alphabet string) error {
	if alphabet == "" {
		return fmt.Errorf("chunkstore: session identifier alphabet must not be empty")
	}
	// QuoteMeta leaves '-' alone, which inside a character class would
	// turn "F-_" into a range; escape it so every character is literal.
	quoted := strings.ReplaceAll(regexp.QuoteMeta(alphabet), "-", `\-`)
	pattern, err := regexp.Compile("^[" + quoted + "]+$")
	if err != nil {
		return fmt.Errorf("chunkstore: invalid session identifier alphabet: %w", err)
	}
	sessionIDMu.Lock()
	sessionIDPattern = pattern
	sessionIDMu.Unlock()
	return nil
}

// Store is a Chunk Store rooted at Root.
type Store struct {
	Root string

	chunkMu    sync.Mutex // guards chunkLocks itself, never held across I/O
	chunkLocks map[string]*sync.Mutex
}

// New returns a Store rooted at root. root must already exist.
func New(root string) *Store {
	return &Store{Root: root, chunkLocks: make(map[string]*sync.Mutex)}
}

// lockChunk returns (creating if necessary) the per-(session, index)
// mutex serializing appends to one chunk file, the same entry-per-key
// pattern pkg/session.Registry uses for one session's record. Two
// appends racing on different chunks never contend; two appends racing
// on the same chunk are serialized so the stat-check-write sequence in
// AppendAt is atomic with respect to each other.
func (s *Store) lockChunk(session string, index int) *sync.Mutex {
	key := session + "/" + strconv.Itoa(index)
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	mu, ok := s.chunkLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.chunkLocks[key] = mu
	}
	return mu
}

// ValidateSessionID rejects any session identifier outside the
// conservative alphabet, guarding every other operation from path
// traversal.
func ValidateSessionID(session string) error {
	sessionIDMu.RLock()
	pattern := sessionIDPattern
	sessionIDMu.RUnlock()
	if session == "" || !pattern.MatchString(session) {
		return errtypes.BadIdentifier(fmt.Sprintf("invalid session identifier: %q", session))
	}
	return nil
}

func (s *Store) sessionDir(session string) string {
	return filepath.Join(s.Root, session)
}

func (s *Store) chunksDir(session string) string {
	return filepath.Join(s.sessionDir(session), "chunks")
}

func (s *Store) completedDir(session string) string {
	return filepath.Join(s.sessionDir(session), "completed")
}

func shardName(index int) string {
	return fmt.Sprintf("shard_%04d", index/shardSize)
}

// chunkPath returns the path at which chunk index of session lives,
// without touching the filesystem.
func (s *Store) chunkPath(session string, index int) string {
	return filepath.Join(s.chunksDir(session), shardName(index), strconv.Itoa(index))
}

// EnsureChunkSlot creates the shard directory for index if absent and
// returns the path this chunk will live at. Idempotent.
func (s *Store) EnsureChunkSlot(session string, index int) (string, error) {
	if err := ValidateSessionID(session); err != nil {
		return "", err
	}
	dir := filepath.Join(s.chunksDir(session), shardName(index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: creating shard dir: %w", err)
	}
	return s.chunkPath(session, index), nil
}

// AppendAt opens the chunk file for (session, index), checks that its
// current size equals offset, writes data at that offset, fsyncs, and
// returns the new size. It fails with errtypes.OffsetMismatch if the
// on-disk size is not offset, and errtypes.StorageFull on ENOSPC-class
// errors.
func (s *Store) AppendAt(session string, index int, offset int64, data []byte) (int64, error) {
	mu := s.lockChunk(session, index)
	mu.Lock()
	defer mu.Unlock()

	path, err := s.EnsureChunkSlot(session, index)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: opening chunk file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("chunkstore: stat chunk file: %w", err)
	}
	actual := info.Size()
	if actual != offset {
		return 0, errtypes.OffsetMismatch{ActualOffset: actual}
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		if isENOSPC(err) {
			return 0, errtypes.StorageFull(path)
		}
		return 0, fmt.Errorf("chunkstore: writing chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		if isENOSPC(err) {
			return 0, errtypes.StorageFull(path)
		}
		return 0, fmt.Errorf("chunkstore: fsync chunk: %w", err)
	}

	return offset + int64(len(data)), nil
}

func isENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// SizeOf returns the on-disk size of chunk index, or (0, false, nil) if
// the chunk file does not exist.
func (s *Store) SizeOf(session string, index int) (int64, bool, error) {
	if err := ValidateSessionID(session); err != nil {
		return 0, false, err
	}
	info, err := os.Stat(s.chunkPath(session, index))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chunkstore: stat chunk: %w", err)
	}
	return info.Size(), true, nil
}

// StreamRange opens chunk index and returns a ReadCloser positioned at
// start; reading it to EOF yields the rest of the chunk.
func (s *Store) StreamRange(session string, index int, start int64) (io.ReadCloser, error) {
	if err := ValidateSessionID(session); err != nil {
		return nil, err
	}
	f, err := os.Open(s.chunkPath(session, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.UnknownChunk(strconv.Itoa(index))
		}
		return nil, fmt.Errorf("chunkstore: opening chunk: %w", err)
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("chunkstore: seeking chunk: %w", err)
		}
	}
	return f, nil
}

// ChunkInfo describes one persisted chunk as discovered on disk.
type ChunkInfo struct {
	Index int
	Size  int64
}

// ListSession enumerates every chunk file under session's chunks
// subtree, in ascending index order. Used for rehydrating a Session
// Registry record after restart.
func (s *Store) ListSession(session string) ([]ChunkInfo, error) {
	if err := ValidateSessionID(session); err != nil {
		return nil, err
	}
	shards, err := os.ReadDir(s.chunksDir(session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: reading chunks dir: %w", err)
	}

	var out []ChunkInfo
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.chunksDir(session), shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("chunkstore: reading shard dir: %w", err)
		}
		for _, e := range entries {
			idx, err := strconv.Atoi(e.Name())
			if err != nil {
				continue // not a chunk file, ignore
			}
			info, err := e.Info()
			if err != nil {
				return nil, fmt.Errorf("chunkstore: stat chunk entry: %w", err)
			}
			out = append(out, ChunkInfo{Index: idx, Size: info.Size()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// DeleteChunkFile best-effort removes a single chunk file, used by the
// fallback multipart append verb to discard any partial prior attempt
// before writing the full chunk at offset 0.
func (s *Store) DeleteChunkFile(session string, index int) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	if err := os.Remove(s.chunkPath(session, index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkstore: deleting chunk file: %w", err)
	}
	return nil
}

// DeleteSessionChunks best-effort removes the chunks subtree only,
// leaving completed/ (if any) untouched.
func (s *Store) DeleteSessionChunks(session string) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	if err := os.RemoveAll(s.chunksDir(session)); err != nil {
		return fmt.Errorf("chunkstore: deleting chunks subtree: %w", err)
	}
	s.forgetChunkLocks(session)
	return nil
}

// DeleteSession best-effort removes everything under session's
// directory, including any completed artifact. Used by cancel and by
// the Sweeper.
func (s *Store) DeleteSession(session string) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(session)); err != nil {
		return fmt.Errorf("chunkstore: deleting session dir: %w", err)
	}
	s.forgetChunkLocks(session)
	return nil
}

// forgetChunkLocks drops every per-chunk lock belonging to session once
// its chunk tree is gone, so Store.chunkLocks does not grow without
// bound over the life of the process.
func (s *Store) forgetChunkLocks(session string) {
	prefix := session + "/"
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	for key := range s.chunkLocks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.chunkLocks, key)
		}
	}
}

// ChunkSource yields the byte stream for one chunk in assembly order.
type ChunkSource struct {
	Index int
	Open  func() (io.ReadCloser, error)
}

// PublishCompleted concatenates sources in order into a temp file under
// session's completed directory, fsyncs, and atomically renames it to
// name. It returns the final artifact path. bufSize controls the
// bounded-memory copy buffer.
func (s *Store) PublishCompleted(session, name string, sources []ChunkSource, bufSize int) (string, error) {
	if err := ValidateSessionID(session); err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", errtypes.BadIdentifier(fmt.Sprintf("invalid artifact name: %q", name))
	}
	dir := s.completedDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: creating completed dir: %w", err)
	}

	target := filepath.Join(dir, name)
	pf, err := renameio.TempFile(dir, target)
	if err != nil {
		return "", fmt.Errorf("chunkstore: opening artifact temp file: %w", err)
	}
	defer pf.Cleanup()

	buf := make([]byte, bufSize)
	for _, src := range sources {
		if err := copyChunk(pf, src, buf); err != nil {
			return "", err
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		if isENOSPC(err) {
			return "", errtypes.StorageFull(target)
		}
		return "", fmt.Errorf("chunkstore: publishing artifact: %w", err)
	}
	return target, nil
}

func copyChunk(w io.Writer, src ChunkSource, buf []byte) error {
	r, err := src.Open()
	if err != nil {
		return fmt.Errorf("chunkstore: opening chunk %d for assembly: %w", src.Index, err)
	}
	defer r.Close()
	if _, err := io.CopyBuffer(w, r, buf); err != nil {
		return fmt.Errorf("chunkstore: copying chunk %d into artifact: %w", src.Index, err)
	}
	return nil
}

// WriteSidecar atomically writes data as the name+".meta" sidecar next
// to a published artifact.
func (s *Store) WriteSidecar(session, name string, data []byte) (string, error) {
	if err := ValidateSessionID(session); err != nil {
		return "", err
	}
	dir := s.completedDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: creating completed dir: %w", err)
	}
	target := filepath.Join(dir, name+".meta")
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("chunkstore: writing sidecar: %w", err)
	}
	return target, nil
}

// ArtifactPath returns the path the artifact name would live at for
// session, without checking existence.
func (s *Store) ArtifactPath(session, name string) string {
	return filepath.Join(s.completedDir(session), name)
}

// RemoveArtifact best-effort deletes a completed artifact and its
// sidecar, used by the Sweeper once the retention window elapses.
func (s *Store) RemoveArtifact(session, name string) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	dir := s.completedDir(session)
	var errs []error
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(filepath.Join(dir, name+".meta")); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errtypes.Join(errs...)
}

// ListSessionDirs enumerates the session identifiers with a directory
// directly under the storage root, used at startup to rehydrate the
// Session Registry.
func ListSessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: reading storage root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ValidateSessionID(e.Name()) != nil {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
