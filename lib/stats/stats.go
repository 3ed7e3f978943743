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

// Package stats exports a single download's progress and throughput
// counters through a tally.Scope, per spec §4.7, rather than as plain
// integers a front end has to poll. The metrics-struct-wrapping-a-Scope
// shape is grounded on origin/blobserver's metrics.go.
package stats

import (
	"github.com/uber-go/tally"
)

// Stats holds every counter/gauge named in spec §4.7, backed by a
// tally.Scope so any metrics backend a front end wires up receives them
// without this package depending on one.
type Stats struct {
	bytesDownloaded  tally.Counter
	bytesUploaded    tally.Counter
	piecesDownloaded tally.Counter
	piecesVerified   tally.Counter
	piecesFailed     tally.Counter
	activePeers      tally.Gauge
	inflightBlocks   tally.Gauge
	progress         tally.Gauge
}

// New creates a Stats under scope s.
func New(s tally.Scope) *Stats {
	return &Stats{
		bytesDownloaded:  s.Counter("bytes_downloaded"),
		bytesUploaded:    s.Counter("bytes_uploaded"),
		piecesDownloaded: s.Counter("pieces_downloaded"),
		piecesVerified:   s.Counter("pieces_verified"),
		piecesFailed:     s.Counter("pieces_failed"),
		activePeers:      s.Gauge("active_peers"),
		inflightBlocks:   s.Gauge("inflight_blocks"),
		progress:         s.Gauge("progress"),
	}
}

// RecordBlockDownloaded records a downloaded block's bytes.
func (st *Stats) RecordBlockDownloaded(n int) {
	st.bytesDownloaded.Inc(int64(n))
}

// RecordBlockUploaded records an uploaded block's bytes.
func (st *Stats) RecordBlockUploaded(n int) {
	st.bytesUploaded.Inc(int64(n))
}

// RecordPieceDownloaded records a piece completing assembly
// (Complete-Unverified), prior to verification.
func (st *Stats) RecordPieceDownloaded() {
	st.piecesDownloaded.Inc(1)
}

// RecordPieceVerified records a piece passing SHA-1 verification.
func (st *Stats) RecordPieceVerified() {
	st.piecesVerified.Inc(1)
}

// RecordPieceFailed records a piece failing SHA-1 verification.
func (st *Stats) RecordPieceFailed() {
	st.piecesFailed.Inc(1)
}

// SetActivePeers updates the current count of active peer sessions.
func (st *Stats) SetActivePeers(n int) {
	st.activePeers.Update(float64(n))
}

// SetInflightBlocks updates the current count of outstanding block requests.
func (st *Stats) SetInflightBlocks(n int) {
	st.inflightBlocks.Update(float64(n))
}

// SetProgress updates the verified_count/P ratio.
func (st *Stats) SetProgress(p float64) {
	st.progress.Update(p)
}
