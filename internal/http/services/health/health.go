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

// Package health exposes the liveness probe clients use to distinguish
// "network down" from "server down", supplemented with a storage-root
// writability check and the number of sessions currently tracked, so
// operators get more than a bare 200 out of it.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/labkode/audiorec/pkg/session"
)

// Config controls the service's prefix and the storage root it probes
// for writability.
type Config struct {
	Prefix      string
	StorageRoot string
}

// Service answers the health verb.
type Service struct {
	conf     Config
	registry *session.Registry
	token    string
	handler  http.Handler
}

// New returns a Service. token is a liveness token handed back on
// every call, stable for the process lifetime, so a client can tell a
// restart apart from a transient blip.
func New(conf Config, reg *session.Registry) *Service {
	if conf.Prefix == "" {
		conf.Prefix = "health"
	}
	s := &Service{conf: conf, registry: reg, token: uuid.NewString()}
	s.handler = http.HandlerFunc(s.serve)
	return s
}

func (s *Service) Prefix() string        { return s.conf.Prefix }
func (s *Service) Handler() http.Handler { return s.handler }
func (s *Service) Close() error          { return nil }

type response struct {
	Token          string `json:"token"`
	SessionCount   int    `json:"session_count"`
	StorageWritable bool  `json:"storage_writable"`
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	resp := response{
		Token:           s.token,
		SessionCount:    len(s.registry.IterAll()),
		StorageWritable: s.probeStorage(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.StorageWritable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// probeStorage writes and removes a small canary file under the
// storage root; a health probe that never touches the filesystem
// would miss a read-only remount, the most common real-world cause of
// "server up but every append fails".
func (s *Service) probeStorage() bool {
	if s.conf.StorageRoot == "" {
		return true
	}
	canary := filepath.Join(s.conf.StorageRoot, ".health-"+uuid.NewString())
	if err := os.WriteFile(canary, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return false
	}
	_ = os.Remove(canary)
	return true
}
