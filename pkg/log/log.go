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

// Package log builds the single root zerolog.Logger the daemon hangs off
// its context.Context (see pkg/appctx). Console-pretty in dev mode, JSON
// in prod, matching the two modes cmd/revad's logger has always shipped.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerSkipFrameCount = 3
}

// Mode selects "dev" (console writer) or "prod" (plain JSON) output.
type Mode string

const (
	// ModeDev prints human-readable, colorized console output.
	ModeDev Mode = "dev"
	// ModeProd prints one JSON object per line.
	ModeProd Mode = "prod"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level  string `mapstructure:"level"`
	Mode   Mode   `mapstructure:"mode"`
	Output string `mapstructure:"output"`
}

// New builds the root logger from the given config.
func New(c Config) (*zerolog.Logger, error) {
	w, err := writer(c.Output)
	if err != nil {
		return nil, err
	}

	if c.Mode == "" || c.Mode == ModeDev {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}

	l := zerolog.New(w).Level(level).With().
		Timestamp().
		Int("pid", os.Getpid()).
		Caller().
		Logger()
	return &l, nil
}

func writer(out string) (io.Writer, error) {
	switch out {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}
