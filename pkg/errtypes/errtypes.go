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

// Package errtypes contains definitions for the closed set of client-contract
// and protocol-state errors the upload protocol can return. Handlers never
// branch on error strings; they type-assert (errors.As) against these kinds.
package errtypes

import "fmt"

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound marks an error as a not-found error.
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists marks an error as an already-exists error.
func (e AlreadyExists) IsAlreadyExists() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported marks an error as a not-supported error.
func (e NotSupported) IsNotSupported() {}

// BadIdentifier is returned when a session or chunk identifier fails
// validation against the configured identifier alphabet.
type BadIdentifier string

func (e BadIdentifier) Error() string { return "error: bad identifier: " + string(e) }

// IsBadIdentifier marks an error as a bad-identifier error.
func (e BadIdentifier) IsBadIdentifier() {}

// MetadataConflict is returned when create-chunk-slot metadata contradicts
// an existing session record (mismatched total_chunks, recording_name, ...).
type MetadataConflict string

func (e MetadataConflict) Error() string { return "error: metadata conflict: " + string(e) }

// IsMetadataConflict marks an error as a metadata-conflict error.
func (e MetadataConflict) IsMetadataConflict() {}

// UnknownSession is returned when a verb addresses a session_id with no
// live record in the Session Registry.
type UnknownSession string

func (e UnknownSession) Error() string { return "error: unknown session: " + string(e) }

// IsUnknownSession marks an error as an unknown-session error.
func (e UnknownSession) IsUnknownSession() {}

// UnknownChunk is returned when a verb addresses a chunk index outside
// [0, total_chunks) for an otherwise known session.
type UnknownChunk string

func (e UnknownChunk) Error() string { return "error: unknown chunk: " + string(e) }

// IsUnknownChunk marks an error as an unknown-chunk error.
func (e UnknownChunk) IsUnknownChunk() {}

// OffsetMismatch is returned when an append's declared offset does not
// match the chunk's actual on-disk size. ActualOffset is returned to the
// client so it can correct and retry (the probe-before-resume contract).
type OffsetMismatch struct {
	ActualOffset int64
}

func (e OffsetMismatch) Error() string {
	return fmt.Sprintf("error: offset mismatch, actual offset is %d", e.ActualOffset)
}

// IsOffsetMismatch marks an error as an offset-mismatch error.
func (e OffsetMismatch) IsOffsetMismatch() {}

// PayloadTooLarge is returned when an append body exceeds max_chunk_bytes.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return "error: payload too large: " + string(e) }

// IsPayloadTooLarge marks an error as a payload-too-large error.
func (e PayloadTooLarge) IsPayloadTooLarge() {}

// StorageFull is returned when an append or assembly hits an ENOSPC-class
// filesystem error.
type StorageFull string

func (e StorageFull) Error() string { return "error: storage full: " + string(e) }

// IsStorageFull marks an error as a storage-full error.
func (e StorageFull) IsStorageFull() {}

// AssemblyInProgress is returned when cancel is attempted while the
// Assembler holds the assembling gate for the session.
type AssemblyInProgress string

func (e AssemblyInProgress) Error() string { return "error: assembly in progress: " + string(e) }

// IsAssemblyInProgress marks an error as an assembly-in-progress error.
func (e AssemblyInProgress) IsAssemblyInProgress() {}

// MissingChunks is returned when assembly is attempted but not every
// chunk in [0, total_chunks) is persisted yet.
type MissingChunks string

func (e MissingChunks) Error() string { return "error: missing chunks: " + string(e) }

// IsMissingChunks marks an error as a missing-chunks error.
func (e MissingChunks) IsMissingChunks() {}

// IsNotFound is the interface to implement to specify that a resource is
// not found.
type IsNotFound interface{ IsNotFound() }

// IsAlreadyExists is the interface to implement to specify that a resource
// already exists.
type IsAlreadyExists interface{ IsAlreadyExists() }

// IsNotSupported is the interface to implement to specify that an action
// is not supported.
type IsNotSupported interface{ IsNotSupported() }

// IsBadIdentifier is the interface to implement to specify that an
// identifier failed validation.
type IsBadIdentifier interface{ IsBadIdentifier() }

// IsMetadataConflict is the interface to implement to specify that
// create-chunk-slot metadata conflicted with an existing record.
type IsMetadataConflict interface{ IsMetadataConflict() }

// IsUnknownSession is the interface to implement to specify that a
// session has no live record.
type IsUnknownSession interface{ IsUnknownSession() }

// IsUnknownChunk is the interface to implement to specify that a chunk
// index is out of range for its session.
type IsUnknownChunk interface{ IsUnknownChunk() }

// IsOffsetMismatch is the interface to implement to specify that an
// append's declared offset did not match the on-disk size.
type IsOffsetMismatch interface{ IsOffsetMismatch() }

// IsPayloadTooLarge is the interface to implement to specify that a
// request body exceeded the configured limit.
type IsPayloadTooLarge interface{ IsPayloadTooLarge() }

// IsStorageFull is the interface to implement to specify that the
// filesystem backing the storage root is full.
type IsStorageFull interface{ IsStorageFull() }

// IsAssemblyInProgress is the interface to implement to specify that an
// operation was refused because assembly is running.
type IsAssemblyInProgress interface{ IsAssemblyInProgress() }

// IsMissingChunks is the interface to implement to specify that assembly
// was attempted before every chunk was persisted.
type IsMissingChunks interface{ IsMissingChunks() }
