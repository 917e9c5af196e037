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

package completion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labkode/audiorec/pkg/completion"
	"github.com/labkode/audiorec/pkg/session"
)

type fakeAssembler struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeAssembler) TryStart(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
	return nil
}

func (f *fakeAssembler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func TestSignalStartsAssemblyWhenAllChunksPresent(t *testing.T) {
	reg := session.New()
	_, err := reg.GetOrCreate("s1", session.CreateMetadata{TotalChunks: 1, RecordingName: "demo.webm", Format: "webm"}, time.Now())
	require.NoError(t, err)
	_, err = reg.Update("s1", func(r *session.Record) error {
		r.ChunksPersisted[0] = struct{}{}
		r.ChunkSizes[0] = 10
		return nil
	})
	require.NoError(t, err)

	fa := &fakeAssembler{}
	c := completion.New(reg, fa, time.Millisecond, 10*time.Millisecond, time.Hour)

	state, err := c.Signal(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.AssemblyPending, state)
	require.Equal(t, 1, fa.count())
}

func TestSignalRacesLastChunkAndRetries(t *testing.T) {
	reg := session.New()
	_, err := reg.GetOrCreate("s1", session.CreateMetadata{TotalChunks: 2, RecordingName: "demo.webm", Format: "webm"}, time.Now())
	require.NoError(t, err)
	_, err = reg.Update("s1", func(r *session.Record) error {
		r.ChunksPersisted[0] = struct{}{}
		r.ChunkSizes[0] = 10
		return nil
	})
	require.NoError(t, err)

	fa := &fakeAssembler{}
	c := completion.New(reg, fa, time.Millisecond, 5*time.Millisecond, time.Hour)

	state, err := c.Signal(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.AssemblyPending, state)
	require.Equal(t, 0, fa.count())

	_, err = reg.Update("s1", func(r *session.Record) error {
		r.ChunksPersisted[1] = struct{}{}
		r.ChunkSizes[1] = 5
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fa.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSignalGivesUpAfterTTL(t *testing.T) {
	reg := session.New()
	_, err := reg.GetOrCreate("s1", session.CreateMetadata{TotalChunks: 2, RecordingName: "demo.webm", Format: "webm"}, time.Now())
	require.NoError(t, err)

	fa := &fakeAssembler{}
	c := completion.New(reg, fa, time.Millisecond, 5*time.Millisecond, 30*time.Millisecond)

	_, err = c.Signal(context.Background(), "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := reg.Get("s1")
		require.NoError(t, err)
		return r.AssemblyState == session.AssemblyFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, fa.count())
}

func TestSignalIsIdempotentOnceInProgress(t *testing.T) {
	reg := session.New()
	_, err := reg.GetOrCreate("s1", session.CreateMetadata{TotalChunks: 1, RecordingName: "demo.webm", Format: "webm"}, time.Now())
	require.NoError(t, err)
	_, err = reg.Update("s1", func(r *session.Record) error {
		r.AssemblyState = session.AssemblyInProgress
		return nil
	})
	require.NoError(t, err)

	fa := &fakeAssembler{}
	c := completion.New(reg, fa, time.Millisecond, 5*time.Millisecond, time.Hour)

	state, err := c.Signal(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.AssemblyInProgress, state)
	require.Equal(t, 0, fa.count())
}
