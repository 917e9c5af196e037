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

package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/session"
	"github.com/labkode/audiorec/pkg/sweeper"
)

func TestSweepDeletesExpiredActiveSession(t *testing.T) {
	root := t.TempDir()
	store := chunkstore.New(root)
	reg := session.New()

	now := time.Now()
	_, err := reg.GetOrCreate("expired", session.CreateMetadata{TotalChunks: 1}, now)
	require.NoError(t, err)
	_, err = store.AppendAt("expired", 0, 0, []byte("x"))
	require.NoError(t, err)
	_, err = reg.Update("expired", func(r *session.Record) error {
		r.LastActivityAt = now.Add(-2 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	_, err = reg.GetOrCreate("fresh", session.CreateMetadata{TotalChunks: 1}, now)
	require.NoError(t, err)

	sw := sweeper.New(reg, store, time.Hour, 24*time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sw.Run(ctx)

	_, err = reg.Get("expired")
	require.Error(t, err)
	_, err = reg.Get("fresh")
	require.NoError(t, err)
}

func TestSweepNeverTouchesInProgress(t *testing.T) {
	root := t.TempDir()
	store := chunkstore.New(root)
	reg := session.New()

	now := time.Now()
	_, err := reg.GetOrCreate("busy", session.CreateMetadata{TotalChunks: 1}, now)
	require.NoError(t, err)
	_, err = reg.Update("busy", func(r *session.Record) error {
		r.LastActivityAt = now.Add(-2 * time.Hour)
		r.AssemblyState = session.AssemblyInProgress
		return nil
	})
	require.NoError(t, err)

	sw := sweeper.New(reg, store, time.Hour, 24*time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sw.Run(ctx)

	_, err = reg.Get("busy")
	require.NoError(t, err)
}

// A done session can sit well past TTLActive on LastActivityAt (a
// successful assembly never touches it again) while its artifact is
// still inside the retention window. The sweeper must keep it, not
// treat it as an abandoned active session.
func TestSweepKeepsDoneSessionWithinRetentionDespiteStaleActivity(t *testing.T) {
	root := t.TempDir()
	store := chunkstore.New(root)
	reg := session.New()

	now := time.Now()
	_, err := reg.GetOrCreate("done-recent", session.CreateMetadata{TotalChunks: 1, RecordingName: "demo.webm", Format: "webm"}, now)
	require.NoError(t, err)
	_, err = reg.Update("done-recent", func(r *session.Record) error {
		r.AssemblyState = session.AssemblyDone
		r.CompletedAt = now.Add(-1 * time.Minute)
		r.LastActivityAt = now.Add(-2 * time.Hour) // stale well past TTLActive
		return nil
	})
	require.NoError(t, err)

	sw := sweeper.New(reg, store, time.Hour, 24*time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sw.Run(ctx)

	_, err = reg.Get("done-recent")
	require.NoError(t, err)
}

func TestSweepReclaimsRetentionExpiredArtifact(t *testing.T) {
	root := t.TempDir()
	store := chunkstore.New(root)
	reg := session.New()

	now := time.Now()
	_, err := reg.GetOrCreate("done1", session.CreateMetadata{TotalChunks: 1, RecordingName: "demo.webm", Format: "webm"}, now)
	require.NoError(t, err)
	_, err = reg.Update("done1", func(r *session.Record) error {
		r.AssemblyState = session.AssemblyDone
		r.CompletedAt = now.Add(-48 * time.Hour)
		r.LastActivityAt = now.Add(-48 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	sw := sweeper.New(reg, store, time.Hour, 24*time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sw.Run(ctx)

	_, err = reg.Get("done1")
	require.Error(t, err)
}
