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

package rhttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/labkode/audiorec/pkg/rhttp"
)

type fakeService struct {
	prefix  string
	handler http.Handler
}

func (f *fakeService) Prefix() string        { return f.prefix }
func (f *fakeService) Handler() http.Handler { return f.handler }
func (f *fakeService) Close() error          { return nil }

func TestAccessLogIncludesStatusAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	upload := &fakeService{
		prefix: "upload",
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}),
	}

	srv := rhttp.New("", "", &logger, upload)

	req := httptest.NewRequest(http.MethodGet, "/upload/s1/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var logged map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logged))
	require.EqualValues(t, http.StatusConflict, logged["status"])
	require.Equal(t, "s1", logged["session"])
	require.Equal(t, http.MethodGet, logged["method"])
}

func TestAccessLogOmitsSessionWhenAbsent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	health := &fakeService{
		prefix:  "health",
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	}

	srv := rhttp.New("", "", &logger, health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var logged map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logged))
	require.EqualValues(t, http.StatusOK, logged["status"])
	_, hasSession := logged["session"]
	require.False(t, hasSession)
}
