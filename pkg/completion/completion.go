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

// Package completion implements the Completion Coordinator: it accepts
// the client's "all chunks queued" signal and triggers the Assembler
// once every chunk is actually persisted, retrying with backoff to
// absorb the common race where the signal outruns the last chunk.
package completion

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/labkode/audiorec/pkg/appctx"
	"github.com/labkode/audiorec/pkg/errtypes"
	"github.com/labkode/audiorec/pkg/session"
)

// starter is the subset of *assembler.Assembler the coordinator needs;
// expressed as an interface so tests can fake assembly without running
// real I/O.
type starter interface {
	TryStart(ctx context.Context, sessionID string) error
}

// Coordinator accepts completion signals and drives a session from
// pending to the Assembler, or to failed once its TTL elapses without
// every chunk arriving.
type Coordinator struct {
	Registry *session.Registry
	Assembler starter

	RetryInitial time.Duration
	RetryMax     time.Duration
	SessionTTL   time.Duration
}

// New returns a Coordinator. retryInitial/retryMax bound the backoff
// between checks; sessionTTL is the same active-session TTL the
// Sweeper enforces, used as the coordinator's own give-up horizon.
func New(reg *session.Registry, a starter, retryInitial, retryMax, sessionTTL time.Duration) *Coordinator {
	return &Coordinator{
		Registry:     reg,
		Assembler:    a,
		RetryInitial: retryInitial,
		RetryMax:     retryMax,
		SessionTTL:   sessionTTL,
	}
}

// Signal marks sessionID completion_signalled and moves assembly_state
// from none to pending. A repeat signal refreshes last_activity_at; once
// the session is past pending it does nothing else, while a session
// still pending is checked again as below, so each repeat may call
// TryStart or start one more retry loop. It synchronously checks
// whether every chunk is already present; if not, it starts a
// background retry loop. It returns the assembly_state right after the
// transition, as required by the completion-signal and assemble wire
// verbs.
func (c *Coordinator) Signal(ctx context.Context, sessionID string) (session.AssemblyState, error) {
	rec, err := c.Registry.Update(sessionID, func(r *session.Record) error {
		r.CompletionSignalled = true
		r.LastActivityAt = time.Now()
		if r.AssemblyState == session.AssemblyNone {
			r.AssemblyState = session.AssemblyPending
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if rec.AssemblyState != session.AssemblyPending {
		// Already in_progress, done, or failed: nothing further to do
		// here, the client learns the outcome via status.
		return rec.AssemblyState, nil
	}

	if len(rec.ChunksPersisted) == rec.TotalChunks {
		if err := c.Assembler.TryStart(ctx, sessionID); err != nil {
			return rec.AssemblyState, err
		}
		return rec.AssemblyState, nil
	}

	log := appctx.GetLogger(ctx)
	go c.retryLoop(sessionID, log)
	return rec.AssemblyState, nil
}

// retryLoop polls until every chunk is present (triggering the
// Assembler), the session is no longer pending (another path already
// moved it on), or sessionTTL has elapsed since the loop started, at
// which point it transitions the session to failed.
func (c *Coordinator) retryLoop(sessionID string, log *zerolog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryInitial
	b.MaxInterval = c.RetryMax
	b.MaxElapsedTime = c.SessionTTL

	op := func() error {
		rec, err := c.Registry.Get(sessionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec.AssemblyState != session.AssemblyPending {
			return nil
		}
		if len(rec.ChunksPersisted) < rec.TotalChunks {
			return errtypes.MissingChunks(sessionID)
		}
		return backoff.Permanent(c.Assembler.TryStart(context.Background(), sessionID))
	}

	if err := backoff.Retry(op, b); err != nil {
		if _, ok := err.(errtypes.MissingChunks); ok {
			log.Warn().Str("session", sessionID).Msg("completion coordinator: giving up, not all chunks arrived before TTL")
			_, _ = c.Registry.Update(sessionID, func(r *session.Record) error {
				if r.AssemblyState == session.AssemblyPending {
					r.AssemblyState = session.AssemblyFailed
					r.AssemblyError = "completion signal timed out waiting for all chunks"
				}
				return nil
			})
			return
		}
		log.Error().Err(err).Str("session", sessionID).Msg("completion coordinator: retry loop aborted")
	}
}
