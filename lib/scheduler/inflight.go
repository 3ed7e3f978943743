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
package scheduler

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/arimatsu/torrentcore/core"
)

type blockKey struct {
	piece int
	block int
}

type blockRequest struct {
	peer    core.PeerID
	length  uint32
	sentAt  time.Time
	endgame bool // requested from >1 peer simultaneously
}

// inflightIndex tracks every outstanding block request, globally and
// per-peer, enforcing the pipeline_depth ceiling from spec §4.5.
type inflightIndex struct {
	mu            sync.Mutex
	clk           clock.Clock
	timeout       time.Duration
	pipelineDepth int

	byBlock   map[blockKey][]*blockRequest
	byPeer    map[core.PeerID]map[blockKey]*blockRequest
	consecFail map[core.PeerID]int
}

func newInflightIndex(clk clock.Clock, timeout time.Duration, pipelineDepth int) *inflightIndex {
	return &inflightIndex{
		clk:           clk,
		timeout:       timeout,
		pipelineDepth: pipelineDepth,
		byBlock:       make(map[blockKey][]*blockRequest),
		byPeer:        make(map[core.PeerID]map[blockKey]*blockRequest),
		consecFail:    make(map[core.PeerID]int),
	}
}

// Requested reports whether (piece, block) has a live (non-expired) request.
func (idx *inflightIndex) Requested(piece, block int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.hasLive(blockKey{piece, block})
}

// RequestedFrom reports whether (piece, block) has a live request of the
// given length attributed to peerID specifically, per spec §4.3's "reject
// blocks that do not match an outstanding request": a delivered block from a
// peer we never asked, whose request already expired, or whose length
// disagrees with what we asked for, fails this check even if it is otherwise
// a well-formed, in-range block.
func (idx *inflightIndex) RequestedFrom(piece, block int, peerID core.PeerID, length uint32) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.byPeer[peerID][blockKey{piece, block}]
	return ok && !idx.expired(r) && r.length == length
}

func (idx *inflightIndex) hasLive(k blockKey) bool {
	for _, r := range idx.byBlock[k] {
		if !idx.expired(r) {
			return true
		}
	}
	return false
}

func (idx *inflightIndex) expired(r *blockRequest) bool {
	return idx.clk.Now().After(r.sentAt.Add(idx.timeout))
}

// PeerCapacity returns how many more blocks peerID may have outstanding.
func (idx *inflightIndex) PeerCapacity(peerID core.PeerID) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for _, r := range idx.byPeer[peerID] {
		if !idx.expired(r) {
			n++
		}
	}
	room := idx.pipelineDepth - n
	if room < 0 {
		room = 0
	}
	return room
}

// Add records a new request for (piece, block) of the given length to
// peerID. endgame must be true if this piece/block already has another live
// request (duplicate request to a different peer, per spec §4.5's endgame
// mode).
func (idx *inflightIndex) Add(piece, block int, peerID core.PeerID, length uint32, endgame bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := blockKey{piece, block}
	r := &blockRequest{peer: peerID, length: length, sentAt: idx.clk.Now(), endgame: endgame}
	idx.byBlock[k] = append(idx.byBlock[k], r)
	if idx.byPeer[peerID] == nil {
		idx.byPeer[peerID] = make(map[blockKey]*blockRequest)
	}
	idx.byPeer[peerID][k] = r
}

// Complete removes every request (from every peer, for endgame dedup) for
// (piece, block), returning the set of peers whose request should be
// cancelled because a different peer's delivery already satisfied it.
func (idx *inflightIndex) Complete(piece, block int, deliveredBy core.PeerID) (cancelFrom []core.PeerID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := blockKey{piece, block}
	for _, r := range idx.byBlock[k] {
		if r.peer != deliveredBy {
			cancelFrom = append(cancelFrom, r.peer)
		}
		delete(idx.byPeer[r.peer], k)
	}
	delete(idx.byBlock, k)
	idx.consecFail[deliveredBy] = 0
	return cancelFrom
}

// ClearPiece drops every inflight request for piece i, e.g. after a
// verification failure that resets the piece to re-requestable.
func (idx *inflightIndex) ClearPiece(piece int, numBlocks int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for b := 0; b < numBlocks; b++ {
		k := blockKey{piece, b}
		for _, r := range idx.byBlock[k] {
			delete(idx.byPeer[r.peer], k)
		}
		delete(idx.byBlock, k)
	}
}

// ClearPeer drops every request attributed to peerID, e.g. on Choke or
// disconnect, making those blocks eligible for re-request elsewhere.
func (idx *inflightIndex) ClearPeer(peerID core.PeerID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k := range idx.byPeer[peerID] {
		rs := idx.byBlock[k]
		filtered := rs[:0]
		for _, r := range rs {
			if r.peer != peerID {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			delete(idx.byBlock, k)
		} else {
			idx.byBlock[k] = filtered
		}
	}
	delete(idx.byPeer, peerID)
}

// NumUnrequested counts how many of the given missing (piece,block)
// keys currently have no live request -- the endgame trigger in spec §4.5.
func (idx *inflightIndex) NumUnrequested(missing []blockKey) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var n int
	for _, k := range missing {
		if !idx.hasLive(k) {
			n++
		}
	}
	return n
}

// RecordFailure increments peerID's consecutive-failure counter (a request
// expired) and reports whether it has
// now reached the disconnect threshold (3, per spec §4.5).
func (idx *inflightIndex) RecordFailure(peerID core.PeerID) (shouldDisconnect bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.consecFail[peerID]++
	return idx.consecFail[peerID] >= 3
}

// ExpiredRequests returns every (piece, block, peer) whose deadline has
// passed, so the caller can drop them from the index and re-schedule.
func (idx *inflightIndex) ExpiredRequests() []struct {
	Piece, Block int
	Peer         core.PeerID
} {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var out []struct {
		Piece, Block int
		Peer         core.PeerID
	}
	for k, rs := range idx.byBlock {
		for _, r := range rs {
			if idx.expired(r) {
				out = append(out, struct {
					Piece, Block int
					Peer         core.PeerID
				}{k.piece, k.block, r.peer})
			}
		}
	}
	return out
}

// Drop removes exactly one expired request entry, after the caller has
// acted on it (re-scheduling the block and/or recording a peer failure).
func (idx *inflightIndex) Drop(piece, block int, peerID core.PeerID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := blockKey{piece, block}
	rs := idx.byBlock[k]
	filtered := rs[:0]
	for _, r := range rs {
		if r.peer != peerID {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		delete(idx.byBlock, k)
	} else {
		idx.byBlock[k] = filtered
	}
	delete(idx.byPeer[peerID], k)
}
