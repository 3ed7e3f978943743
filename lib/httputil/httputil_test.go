// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package httputil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
)

func TestSendDefaultAcceptsOnly2xx(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer s.Close()

	_, err := Send(http.MethodGet, s.URL)
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusNotFound))
}

func TestSendAcceptedCodesOverridesDefault(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	resp, err := Send(http.MethodGet, s.URL, SendAcceptedCodes(http.StatusAccepted))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSendHeaderAndBody(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bar", r.Header.Get("X-Foo"))
		b, _ := io.ReadAll(r.Body)
		require.Equal(t, "payload", string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	_, err := Send(http.MethodPost, s.URL,
		SendHeader("X-Foo", "bar"),
		SendBody(strings.NewReader("payload")))
	require.NoError(t, err)
}

func TestSendRetryRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	resp, err := Send(http.MethodGet, s.URL, SendRetry(
		RetryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}),
	))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSendRetryGivesUpOnFatalStatus(t *testing.T) {
	var attempts int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer s.Close()

	_, err := Send(http.MethodGet, s.URL, SendRetry(
		RetryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}),
	))
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusBadRequest))
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestSendRetryCodesTreatsExtraCodeAsRetryable(t *testing.T) {
	var attempts int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	resp, err := Send(http.MethodGet, s.URL, SendRetry(
		RetryCodes(http.StatusPermanentRedirect),
		RetryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}),
	))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsNetworkErrorTrueWhenNoResponse(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := s.URL
	s.Close()

	_, err := Send(http.MethodGet, url)
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestIsNetworkErrorFalseForStatusError(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer s.Close()

	_, err := Send(http.MethodGet, s.URL)
	require.Error(t, err)
	require.False(t, IsNetworkError(err))
}
