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

// Package remotesink implements storage.Sink as a write-only resumable HTTP
// upload, one session per file. Its retry schedule (exponential, jittered,
// capped attempts) is grounded on webhdfs.client's nameNodeBackOff, adapted
// from cenkalti/backoff's namenode-failover use case to this spec's
// Content-Range/308 resumable-upload semantics.
package remotesink

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/httputil"
	"github.com/arimatsu/torrentcore/lib/storage"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// SessionOpener creates one resumable upload session per file, returning
// its session URL. The embedding front end supplies this, since session
// creation (auth, bucket naming, etc) is backend specific; this package only
// implements the ranged-PUT continuation protocol once a session exists.
type SessionOpener interface {
	OpenSession(file core.FileInfo, fileIndex int) (url string, err error)
}

// TokenRefresher is optionally supplied; RefreshToken is called once after a
// 401. The returned header is not applied to any request, and the 401 is not
// retried: it is reported as a fatal sink error.
type TokenRefresher interface {
	RefreshToken() (header string, value string, err error)
}

// Config configures the remote sink's retry schedule.
type Config struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Jitter         time.Duration `yaml:"jitter"`
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Jitter == 0 {
		c.Jitter = time.Second
	}
}

func (c Config) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialBackoff,
		MaxInterval:         c.MaxBackoff,
		Multiplier:          c.Multiplier,
		RandomizationFactor: float64(c.Jitter) / float64(c.InitialBackoff+1),
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
}

// Sink uploads verified pieces as ranged PUTs against a resumable upload
// session per file, per this spec's remote storage protocol.
type Sink struct {
	config   Config
	opener   SessionOpener
	refresh  TokenRefresher
	info     *core.TorrentInfo
	sessions *sessionTable
	log      *zap.SugaredLogger
}

// New creates a remote Sink. Call Initialize before use.
func New(config Config, opener SessionOpener, refresh TokenRefresher, log *zap.SugaredLogger) *Sink {
	config.applyDefaults()
	return &Sink{config: config, opener: opener, refresh: refresh, log: log}
}

// Initialize opens one upload session per file via the SessionOpener.
func (s *Sink) Initialize(info *core.TorrentInfo) error {
	s.info = info
	files := info.Files()
	s.sessions = newSessionTable(len(files))
	for i, f := range files {
		url, err := s.opener.OpenSession(f, i)
		if err != nil {
			return core.NewError(core.KindInit, "open_session", err).WithContext(f.Path)
		}
		s.sessions.set(i, &UploadSession{FileIndex: i, URL: url, TotalSize: f.Length})
	}
	return nil
}

// RestoreSessions replaces the sessions opened by Initialize with session
// state loaded from the resume log, so uploads continue from each saved
// CurrentOffset.
func (s *Sink) RestoreSessions(saved []UploadSession) {
	s.sessions.Restore(saved)
}

// Sessions returns a snapshot of every upload session, for persisting to the
// resume log.
func (s *Sink) Sessions() []UploadSession {
	return s.sessions.Snapshot()
}

// WritePiece uploads piece i's bytes, split across whichever upload sessions
// its absolute byte range overlaps.
func (s *Sink) WritePiece(i int, data []byte) error {
	absOffset := s.info.PieceOffset(i)
	overlaps, err := storage.SplitOverlaps(s.info.Files(), absOffset, int64(len(data)))
	if err != nil {
		return core.NewError(core.KindSinkFatal, "split_overlaps", err)
	}
	for _, ov := range overlaps {
		sess := s.sessions.get(ov.FileIndex)
		if ov.FileOffset+ov.Length <= sess.CurrentOffset {
			// Already uploaded, idempotent no-op (e.g. re-delivery after a
			// resumed session).
			continue
		}
		chunk := data[ov.BufOffset : ov.BufOffset+ov.Length]
		if err := s.putRange(sess, ov.FileOffset, chunk); err != nil {
			return err
		}
	}
	if s.log != nil {
		s.log.Debugw("wrote piece to remote sink", "piece", i, "files", len(overlaps))
	}
	return nil
}

// putRange uploads chunk at offset, looping over the server's 308 "resume
// incomplete" responses: each 308 advances the session's CurrentOffset to
// whatever the server actually accepted, and the loop re-PUTs the remainder
// as the next chunk with a recomputed Content-Range, until the full range
// lands or a fatal error is hit.
func (s *Sink) putRange(sess *UploadSession, offset int64, chunk []byte) error {
	end := offset + int64(len(chunk))
	for {
		start := sess.CurrentOffset
		if start < offset {
			start = offset
		}
		if start >= end {
			return nil
		}
		resumed, err := s.putOnce(sess, start, chunk[start-offset:end-offset])
		if err != nil {
			return err
		}
		if !resumed {
			return nil
		}
		// 308: server reported progress via handleSuccess's advance() call;
		// loop to send whatever remains of the range.
	}
}

// putOnce performs a single ranged PUT, retrying transient failures per
// s.config's backoff schedule. resumed reports whether the response was a
// 308 ("resume incomplete"), which is not an error: the session offset has
// already advanced and the caller is expected to continue with the rest of
// the range.
func (s *Sink) putOnce(sess *UploadSession, offset int64, chunk []byte) (resumed bool, err error) {
	rangeHeader := fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, sess.TotalSize)

	attempt := func() (bool, error) {
		resp, err := httputil.Put(
			sess.URL,
			httputil.SendBody(bytes.NewReader(chunk)),
			httputil.SendHeader("Content-Range", rangeHeader),
			httputil.SendAcceptedCodes(http.StatusOK, http.StatusCreated, 308))
		if err != nil {
			if se, ok := err.(httputil.StatusError); ok {
				return false, s.handleStatus(sess, se, offset, len(chunk))
			}
			return false, err // network error, retryable
		}
		defer resp.Body.Close()
		return s.handleSuccess(sess, resp, offset, len(chunk))
	}

	var lastErr error
	b := s.config.newBackOff()
	for {
		var res bool
		res, lastErr = attempt()
		if lastErr == nil {
			return res, nil
		}
		if !isRetryable(lastErr) {
			return false, core.NewError(core.KindSinkFatal, "put_range", lastErr).WithContext(sess.URL)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return false, core.NewError(core.KindSinkTransient, "put_range_exhausted", lastErr).WithContext(sess.URL)
		}
		time.Sleep(wait)
	}
}

// handleSuccess interprets a non-error HTTP response. A 308 is reported via
// resumed=true rather than as an error, since the upload is proceeding
// normally -- the caller re-issues the remaining bytes, it does not retry.
func (s *Sink) handleSuccess(sess *UploadSession, resp *http.Response, offset int64, n int) (resumed bool, err error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		s.sessions.advance(sess.FileIndex, offset+int64(n))
		return false, nil
	case 308:
		accepted := parseResumeRange(resp.Header.Get("Range"))
		if accepted >= 0 {
			s.sessions.advance(sess.FileIndex, accepted+1)
		}
		return true, nil
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (s *Sink) handleStatus(sess *UploadSession, se httputil.StatusError, offset int64, n int) error {
	if se.Status == http.StatusUnauthorized && s.refresh != nil {
		if _, _, err := s.refresh.RefreshToken(); err == nil {
			return se // not retried: isRetryable treats a 401 as fatal
		}
	}
	return se
}

func isRetryable(err error) bool {
	if httputil.IsNetworkError(err) {
		return true
	}
	if se, ok := err.(httputil.StatusError); ok {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return false
}

func parseResumeRange(header string) int64 {
	// Expected form: "bytes=0-N"
	if !strings.HasPrefix(header, "bytes=") {
		return -1
	}
	parts := strings.SplitN(strings.TrimPrefix(header, "bytes="), "-", 2)
	if len(parts) != 2 {
		return -1
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ReadPiece is unsupported; the remote sink is write-only.
func (s *Sink) ReadPiece(i int) ([]byte, error) {
	return nil, storage.ErrNotReadable
}

// Readable always returns false for the remote sink.
func (s *Sink) Readable() bool { return false }

// Complete asserts every session reached its total size.
func (s *Sink) Complete() error {
	for _, sess := range s.sessions.Snapshot() {
		if sess.CurrentOffset != sess.TotalSize {
			return core.NewError(core.KindSinkFatal, "complete",
				fmt.Errorf("session for file %d incomplete: %d/%d bytes", sess.FileIndex, sess.CurrentOffset, sess.TotalSize))
		}
	}
	return nil
}

// Type identifies this sink as remote.
func (s *Sink) Type() storage.Type { return storage.TypeRemote }

var _ storage.Sink = (*Sink)(nil)
