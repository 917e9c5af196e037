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

// Package sweeper runs the periodic reclamation task: abandoned active
// sessions past their inactivity TTL, and completed artifacts past
// their retention window.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/labkode/audiorec/pkg/appctx"
	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/session"
)

// Sweeper periodically reclaims storage from abandoned or
// retention-expired sessions. It never touches an in_progress session.
type Sweeper struct {
	Registry *session.Registry
	Store    *chunkstore.Store

	TTLActive    time.Duration
	TTLCompleted time.Duration
	Interval     time.Duration
}

// New returns a Sweeper. The returned value does nothing until Run is
// called.
func New(reg *session.Registry, store *chunkstore.Store, ttlActive, ttlCompleted, interval time.Duration) *Sweeper {
	return &Sweeper{
		Registry:     reg,
		Store:        store,
		TTLActive:    ttlActive,
		TTLCompleted: ttlCompleted,
		Interval:     interval,
	}
}

// Run blocks, sweeping once immediately and then every s.Interval,
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	s.sweepOnce(log)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(log)
		}
	}
}

func (s *Sweeper) sweepOnce(log *zerolog.Logger) {
	now := time.Now()

	for _, r := range s.Registry.IterAll() {
		switch {
		case r.AssemblyState == session.AssemblyInProgress:
			continue
		case r.AssemblyState == session.AssemblyDone:
			// Done sessions are reclaimed only via their own retention
			// window, never via TTLActive: LastActivityAt is not touched
			// by a successful assembly and can be arbitrarily stale for
			// an artifact still well within its retention period.
			if now.Sub(r.CompletedAt) >= s.TTLCompleted {
				log.Info().Str("session", r.SessionID).Msg("sweeper: reclaiming retention-expired artifact")
				if err := s.Store.RemoveArtifact(r.SessionID, r.RecordingName); err != nil {
					log.Warn().Err(err).Str("session", r.SessionID).Msg("sweeper: failed to remove artifact")
				}
				s.Registry.Delete(r.SessionID)
			}
		case now.Sub(r.LastActivityAt) >= s.TTLActive:
			log.Info().Str("session", r.SessionID).Msg("sweeper: deleting expired active session")
			if err := s.Store.DeleteSession(r.SessionID); err != nil {
				log.Warn().Err(err).Str("session", r.SessionID).Msg("sweeper: failed to delete session directory")
			}
			s.Registry.Delete(r.SessionID)
		}
	}
}
