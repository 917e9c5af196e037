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

// Command audiorecd is the server-side resumable upload and assembly
// engine for a browser audio recorder: it accepts chunked recordings
// over HTTP, persists them durably, and assembles completed sessions
// into a single artifact.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/labkode/audiorec/pkg/assembler"
	"github.com/labkode/audiorec/pkg/chunkstore"
	"github.com/labkode/audiorec/pkg/completion"
	"github.com/labkode/audiorec/pkg/config"
	"github.com/labkode/audiorec/pkg/log"
	"github.com/labkode/audiorec/pkg/rhttp"
	"github.com/labkode/audiorec/pkg/session"
	"github.com/labkode/audiorec/pkg/sweeper"

	healthsvc "github.com/labkode/audiorec/internal/http/services/health"
	uploadsvc "github.com/labkode/audiorec/internal/http/services/upload"
)

var (
	configFlag  = pflag.StringP("config", "c", "", "path to the configuration file (toml, yaml or json); optional, env vars and defaults apply regardless")
	versionFlag = pflag.Bool("version", false, "print version and exit")

	version = "dev"
)

func main() {
	pflag.Parse()

	if *versionFlag {
		fmt.Println("audiorecd", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "audiorecd:", err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := log.New(conf.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	if err := chunkstore.SetIdentifierAlphabet(conf.Storage.SessionIdentifierAlphabet); err != nil {
		return fmt.Errorf("applying session_identifier_alphabet: %w", err)
	}

	if err := os.MkdirAll(conf.Storage.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}
	lockDir := conf.Storage.StorageRoot + "/.locks"
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("creating assembly lock dir: %w", err)
	}

	maxChunkBytes, err := conf.Storage.MaxChunkBytes()
	if err != nil {
		return fmt.Errorf("parsing max_chunk_bytes: %w", err)
	}
	assemblyBufBytes, err := conf.Storage.AssemblyBufferBytes()
	if err != nil {
		return fmt.Errorf("parsing assembly_buffer_bytes: %w", err)
	}

	store := chunkstore.New(conf.Storage.StorageRoot)
	reg := session.New()

	if err := rehydrate(store, reg, logger); err != nil {
		logger.Warn().Err(err).Msg("audiorecd: partial session rehydration")
	}
	reg.DemoteInProgress()

	asm := assembler.New(reg, store, int(assemblyBufBytes), lockDir)
	coord := completion.New(reg, asm,
		conf.Storage.CompletionRetryInitial,
		conf.Storage.CompletionRetryMax,
		conf.Storage.SessionTTLActive,
	)
	sw := sweeper.New(reg, store,
		conf.Storage.SessionTTLActive,
		conf.Storage.SessionTTLCompleted,
		conf.Storage.SweeperInterval,
	)

	upload := uploadsvc.New(uploadsvc.Config{
		Prefix:        "upload",
		MaxChunkBytes: int64(maxChunkBytes),
	}, reg, store, coord)
	health := healthsvc.New(healthsvc.Config{
		Prefix:      "health",
		StorageRoot: conf.Storage.StorageRoot,
	}, reg)

	server := rhttp.New(conf.HTTP.Network, conf.HTTP.Address, logger, upload, health)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sw.Run(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("audiorecd: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	if err := server.Shutdown(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("audiorecd: error during graceful shutdown")
	}
	asm.Wait()
	return nil
}

// rehydrate reconstructs Session Registry records from the on-disk
// chunk trees under the storage root, per spec.md's crash-recovery
// invariant: total_chunks/recording_name/format are re-supplied by the
// client on the first verb after restart. Errors for individual
// sessions are logged and skipped rather than aborting startup; a
// session that failed to rehydrate is simply unknown to the registry
// until the client starts it over.
func rehydrate(store *chunkstore.Store, reg *session.Registry, logger *zerolog.Logger) error {
	dirs, err := chunkstore.ListSessionDirs(store.Root)
	if err != nil {
		return fmt.Errorf("listing session directories: %w", err)
	}

	now := time.Now()
	for _, sessionID := range dirs {
		chunks, err := store.ListSession(sessionID)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("audiorecd: failed to list chunks during rehydration")
			continue
		}
		reg.Hydrate(sessionID, chunks, now)
	}
	logger.Info().Int("count", len(dirs)).Msg("audiorecd: rehydrated sessions from disk")
	return nil
}
