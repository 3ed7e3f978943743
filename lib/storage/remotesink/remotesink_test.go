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
package remotesink

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arimatsu/torrentcore/core"
)

type fakeOpener struct{ url string }

func (o fakeOpener) OpenSession(f core.FileInfo, fileIndex int) (string, error) {
	return o.url, nil
}

func testConfig() Config {
	return Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		MaxAttempts:    5,
		Jitter:         time.Millisecond,
	}
}

func singleFileInfo(t *testing.T, length int64) *core.TorrentInfo {
	info, err := core.NewTorrentInfo(
		core.InfoHash{1},
		16,
		[][20]byte{{1}},
		[]core.FileInfo{{Path: "f", Length: length}},
	)
	require.NoError(t, err)
	return info
}

// TestWritePieceResumesAfter308 covers scenario 6: a 308 "resume incomplete"
// response must cause the sink to re-PUT exactly the remaining bytes of the
// piece, recomputing Content-Range from the server-reported offset, rather
// than aborting the write.
func TestWritePieceResumesAfter308(t *testing.T) {
	var calls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		switch n {
		case 1:
			require.Equal(t, "bytes 0-9/10", r.Header.Get("Content-Range"))
			require.Equal(t, 10, len(body))
			w.Header().Set("Range", "bytes=0-4")
			w.WriteHeader(308)
		case 2:
			require.Equal(t, "bytes 5-9/10", r.Header.Get("Content-Range"))
			require.Equal(t, 5, len(body))
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %d", n)
		}
	}))
	defer s.Close()

	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: s.URL}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))

	data := make([]byte, 10)
	for i := range data {
		data[i] = byte('a' + i)
	}
	require.NoError(t, sink.WritePiece(0, data))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	sessions := sink.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(10), sessions[0].CurrentOffset)
	require.NoError(t, sink.Complete())
}

// TestWritePieceHandlesMultiple308sInARow covers a server that resumes
// incrementally more than once before finally accepting the rest.
func TestWritePieceHandlesMultiple308sInARow(t *testing.T) {
	var calls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		io.ReadAll(r.Body)
		switch n {
		case 1:
			w.Header().Set("Range", "bytes=0-2")
			w.WriteHeader(308)
		case 2:
			require.Equal(t, "bytes 3-9/10", r.Header.Get("Content-Range"))
			w.Header().Set("Range", "bytes=0-6")
			w.WriteHeader(308)
		case 3:
			require.Equal(t, "bytes 7-9/10", r.Header.Get("Content-Range"))
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request %d", n)
		}
	}))
	defer s.Close()

	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: s.URL}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))

	require.NoError(t, sink.WritePiece(0, make([]byte, 10)))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Equal(t, int64(10), sink.Sessions()[0].CurrentOffset)
}

func TestWritePieceSucceedsOnFirstAttempt(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: s.URL}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))
	require.NoError(t, sink.WritePiece(0, make([]byte, 10)))
	require.Equal(t, int64(10), sink.Sessions()[0].CurrentOffset)
}

func TestWritePieceRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: s.URL}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))
	require.NoError(t, sink.WritePiece(0, make([]byte, 10)))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWritePieceFailsFatalOn4xx(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer s.Close()

	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: s.URL}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))
	err := sink.WritePiece(0, make([]byte, 10))
	require.Error(t, err)
}

func TestCompleteFailsWhenSessionIncomplete(t *testing.T) {
	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: "http://unused"}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))
	require.Error(t, sink.Complete())
}

func TestReadPieceUnsupported(t *testing.T) {
	info := singleFileInfo(t, 10)
	sink := New(testConfig(), fakeOpener{url: "http://unused"}, nil, zap.NewNop().Sugar())
	require.NoError(t, sink.Initialize(info))
	require.False(t, sink.Readable())
	_, err := sink.ReadPiece(0)
	require.Error(t, err)
}

func TestParseResumeRange(t *testing.T) {
	require.Equal(t, int64(99), parseResumeRange("bytes=0-99"))
	require.Equal(t, int64(-1), parseResumeRange("garbage"))
	require.Equal(t, int64(-1), parseResumeRange("bytes=notanumber"))
}
