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

// Package config loads the daemon's configuration from a file (toml,
// yaml or json, sniffed by extension), overlaid with AUDIOREC_-prefixed
// environment variables, the same layering cmd/revad's config package has
// always used.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/labkode/audiorec/pkg/bytesize"
	"github.com/labkode/audiorec/pkg/log"
)

// Config is the root configuration for the daemon.
type Config struct {
	Log     log.Config `mapstructure:"log"`
	HTTP    HTTP       `mapstructure:"http"`
	Storage Storage    `mapstructure:"storage"`
}

// HTTP controls the listening address of the HTTP server.
type HTTP struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

// Storage carries every option named in spec.md §6's configuration
// table.
type Storage struct {
	// StorageRoot is the base directory for all session data.
	StorageRoot string `mapstructure:"storage_root"`

	// MaxChunkBytesRaw is the cap for a single append body, humanized
	// ("10MB"). Use MaxChunkBytes() once loaded.
	MaxChunkBytesRaw string `mapstructure:"max_chunk_bytes"`

	// SessionTTLActive is the inactivity window before an active
	// session is swept.
	SessionTTLActive time.Duration `mapstructure:"session_ttl_active"`

	// SessionTTLCompleted is the retention window for completed
	// artifacts.
	SessionTTLCompleted time.Duration `mapstructure:"session_ttl_completed"`

	// SweeperInterval is the period of the Sweeper.
	SweeperInterval time.Duration `mapstructure:"sweeper_interval"`

	// AssemblyBufferBytesRaw is the streaming-copy buffer size during
	// assembly, humanized ("1MiB").
	AssemblyBufferBytesRaw string `mapstructure:"assembly_buffer_bytes"`

	// CompletionRetryInitial / CompletionRetryMax are the backoff
	// bounds for the Completion Coordinator.
	CompletionRetryInitial time.Duration `mapstructure:"completion_retry_initial"`
	CompletionRetryMax     time.Duration `mapstructure:"completion_retry_max"`

	// SessionIdentifierAlphabet lists the characters a client-chosen
	// session_id may contain.
	SessionIdentifierAlphabet string `mapstructure:"session_identifier_alphabet"`
}

// MaxChunkBytes parses MaxChunkBytesRaw, defaulting to 64MiB.
func (s Storage) MaxChunkBytes() (uint64, error) {
	if s.MaxChunkBytesRaw == "" {
		return 64 * 1024 * 1024, nil
	}
	return bytesize.Parse(s.MaxChunkBytesRaw)
}

// AssemblyBufferBytes parses AssemblyBufferBytesRaw, defaulting to 1MiB
// as prescribed by spec.md §4.4.
func (s Storage) AssemblyBufferBytes() (uint64, error) {
	if s.AssemblyBufferBytesRaw == "" {
		return 1024 * 1024, nil
	}
	return bytesize.Parse(s.AssemblyBufferBytesRaw)
}

func applyDefaults(c *Config) {
	if c.HTTP.Network == "" {
		c.HTTP.Network = "tcp"
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "0.0.0.0:9998"
	}
	if c.Storage.StorageRoot == "" {
		c.Storage.StorageRoot = "/var/lib/audiorecd"
	}
	if c.Storage.SessionTTLActive == 0 {
		c.Storage.SessionTTLActive = 2 * time.Hour
	}
	if c.Storage.SessionTTLCompleted == 0 {
		c.Storage.SessionTTLCompleted = 24 * time.Hour
	}
	if c.Storage.SweeperInterval == 0 {
		c.Storage.SweeperInterval = time.Hour
	}
	if c.Storage.CompletionRetryInitial == 0 {
		c.Storage.CompletionRetryInitial = 3 * time.Second
	}
	if c.Storage.CompletionRetryMax == 0 {
		c.Storage.CompletionRetryMax = time.Minute
	}
	if c.Storage.SessionIdentifierAlphabet == "" {
		c.Storage.SessionIdentifierAlphabet = "0123456789abcdefABCDEF-_"
	}
}

// Load reads the configuration file at fn (if non-empty), overlays
// AUDIOREC_-prefixed environment variables, and decodes the result into a
// Config with defaults applied.
func Load(fn string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("audiorec")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fn != "" {
		v.SetConfigFile(fn)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "error decoding config")
	}
	applyDefaults(c)
	return c, nil
}
