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
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/bitfield"
	"github.com/arimatsu/torrentcore/lib/peer"
	"github.com/arimatsu/torrentcore/lib/peermgr"
	"github.com/arimatsu/torrentcore/lib/piecestore"
	"github.com/arimatsu/torrentcore/lib/storage"
	"github.com/arimatsu/torrentcore/utils/syncutil"
)

// Config configures the scheduler's resource bounds, per spec §4.5.
type Config struct {
	PipelineDepth       int           `yaml:"pipeline_depth"`
	MaxConcurrentPieces int           `yaml:"max_concurrent_pieces"`
	BlockTimeout        time.Duration `yaml:"block_timeout"`
	EndgameThreshold    int           `yaml:"endgame_threshold"`
	EndgameMinProgress  float64       `yaml:"endgame_min_progress"`
	Policy              Policy        `yaml:"policy"`
}

func (c *Config) applyDefaults() {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 16
	}
	if c.MaxConcurrentPieces == 0 {
		c.MaxConcurrentPieces = 5
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 30 * time.Second
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 20
	}
	if c.EndgameMinProgress == 0 {
		c.EndgameMinProgress = 0.95
	}
	if c.Policy == "" {
		c.Policy = RarestFirstPolicy
	}
}

// Events notifies the embedding client facade of scheduler-level progress,
// so it can update stats and decide when a download is complete.
type Events interface {
	PieceVerified(index int)
	PieceFailed(index int)
	DownloadComplete()
}

// Scheduler is the download scheduler (C5): it owns piece/block selection,
// the inflight index, and the verification hand-off described in spec §4.5.
// It implements peer.Events so sessions can be wired directly to it.
type Scheduler struct {
	config   Config
	clk      clock.Clock
	logger   *zap.SugaredLogger
	store    *piecestore.Store
	sink     storage.Sink
	peers    *peermgr.Manager
	events   Events
	selector pieceSelector

	inflight *inflightIndex

	mu            sync.Mutex
	rarity        syncutil.Counters
	sessionByPeer map[core.PeerID]*peer.Session
	blockSize     int64
}

// New creates a Scheduler over an initialized piece store and sink.
func New(config Config, clk clock.Clock, store *piecestore.Store, sink storage.Sink,
	peers *peermgr.Manager, blockSize int64, numPieces int, events Events, logger *zap.SugaredLogger) *Scheduler {

	config.applyDefaults()
	rarity := syncutil.NewCounters(numPieces)
	return &Scheduler{
		config:        config,
		clk:           clk,
		logger:        logger,
		store:         store,
		sink:          sink,
		peers:         peers,
		events:        events,
		selector:      newSelector(config.Policy),
		inflight:      newInflightIndex(clk, config.BlockTimeout, config.PipelineDepth),
		rarity:        rarity,
		sessionByPeer: make(map[core.PeerID]*peer.Session),
		blockSize:     blockSize,
	}
}

func (s *Scheduler) numBlocks(piece int) int {
	return s.store.NumBlocks(piece)
}

// AddSession registers a newly-activated session and immediately tries to
// saturate its pipeline if it is already unchoked.
func (s *Scheduler) AddSession(sess *peer.Session) {
	s.mu.Lock()
	s.sessionByPeer[sess.PeerID()] = sess
	s.mu.Unlock()
	_ = sess.SendBitfield(s.store.Bitfield())
	if !sess.PeerChoking() {
		s.requestFor(sess)
	}
}

// RemoveSession unregisters a session (on disconnect), freeing its inflight
// blocks for re-scheduling.
func (s *Scheduler) RemoveSession(peerID core.PeerID) {
	s.mu.Lock()
	delete(s.sessionByPeer, peerID)
	s.mu.Unlock()
	s.inflight.ClearPeer(peerID)
}

// -- peer.Events implementation --

func (s *Scheduler) SessionClosed(sess *peer.Session) {
	s.RemoveSession(sess.PeerID())
	s.peers.Remove(sess.PeerID())
}

func (s *Scheduler) BecameInterested(sess *peer.Session)   {}
func (s *Scheduler) BecameUninterested(sess *peer.Session) {}

func (s *Scheduler) PeerUnchoked(sess *peer.Session) {
	s.requestFor(sess)
}

func (s *Scheduler) PeerChoked(sess *peer.Session) {
	s.inflight.ClearPeer(sess.PeerID())
}

func (s *Scheduler) ReceivedHave(sess *peer.Session, index int) {
	s.mu.Lock()
	s.rarity.Increment(index)
	s.mu.Unlock()
	if !sess.PeerChoking() {
		s.requestFor(sess)
	}
	_ = sess.NotifyHaveUpdate(func(bf *bitfield.Bitfield) bool {
		return s.weNeedAnyOf(bf)
	})
}

func (s *Scheduler) ReceivedBitfield(sess *peer.Session, bf *bitfield.Bitfield) {
	s.mu.Lock()
	for _, i := range bf.Indices() {
		s.rarity.Increment(int(i))
	}
	s.mu.Unlock()
	_ = sess.NotifyHaveUpdate(func(bf *bitfield.Bitfield) bool {
		return s.weNeedAnyOf(bf)
	})
	if !sess.PeerChoking() {
		s.requestFor(sess)
	}
}

func (s *Scheduler) ReceivedRequest(sess *peer.Session, index int, begin, length uint32) {
	if !s.sink.Readable() || s.store.PieceStatus(index) != piecestore.Verified {
		return
	}
	data, err := s.sink.ReadPiece(index)
	if err != nil {
		s.logger.Warnw("failed to read piece for peer request", "piece", index, "error", err)
		return
	}
	end := int(begin) + int(length)
	if end > len(data) {
		s.logger.Warnw("peer requested out-of-range block", "piece", index, "begin", begin, "length", length)
		return
	}
	if err := sess.SendPiece(index, begin, data[begin:end]); err != nil {
		s.logger.Debugw("failed to send piece", "peer_id", sess.PeerID(), "error", err)
	}
}

func (s *Scheduler) ReceivedCancel(sess *peer.Session, index int, begin, length uint32) {}

func (s *Scheduler) ReceivedPiece(sess *peer.Session, index int, begin uint32, block []byte) {
	blockIdx := int(begin) / int(s.blockSize)
	if !s.inflight.RequestedFrom(index, blockIdx, sess.PeerID(), uint32(len(block))) {
		s.logger.Debugw("dropping block with no matching outstanding request",
			"peer_id", sess.PeerID(), "piece", index, "begin", begin, "length", len(block))
		return
	}
	cancelFrom := s.inflight.Complete(index, blockIdx, sess.PeerID())
	for _, peerID := range cancelFrom {
		s.mu.Lock()
		other := s.sessionByPeer[peerID]
		s.mu.Unlock()
		if other != nil {
			_ = other.SendCancel(index, begin, uint32(len(block)))
		}
	}

	status, err := s.store.AddBlock(index, int64(begin), block)
	if err != nil {
		s.logger.Warnw("failed to add block, protocol violation", "piece", index, "error", err)
		return
	}
	if status != piecestore.CompleteUnverified {
		s.requestFor(sess)
		return
	}

	s.verifyAndCommit(index)
	s.requestFor(sess)
}

func (s *Scheduler) ProtocolViolation(sess *peer.Session, err error) {
	s.logger.Infow("peer protocol violation", "peer_id", sess.PeerID(), "error", err)
}

// verifyAndCommit runs the verification hand-off from spec §4.5: hash the
// assembled piece, write it to the sink, and only on a successful write
// commit it Verified and broadcast Have. A hash mismatch clears the piece
// for re-scheduling. A sink-write failure leaves the piece CompleteUnverified
// rather than Verified, so §8's "bytes written to sink == T iff is_complete()"
// invariant cannot be violated by counting a piece whose bytes never made it
// to the sink.
func (s *Scheduler) verifyAndCommit(index int) {
	matched, data, err := s.store.CheckHash(index)
	if err != nil {
		s.logger.Errorw("verify failed unexpectedly", "piece", index, "error", err)
		return
	}
	if !matched {
		s.inflight.ClearPiece(index, s.numBlocks(index))
		s.events.PieceFailed(index)
		return
	}

	if err := s.sink.WritePiece(index, data); err != nil {
		s.logger.Errorw("failed to write verified piece to sink", "piece", index, "error", err)
		return
	}

	if err := s.store.CommitVerified(index); err != nil {
		s.logger.Errorw("failed to commit verified piece", "piece", index, "error", err)
		return
	}

	s.events.PieceVerified(index)
	s.peers.BroadcastHave(index)

	if s.store.Complete() {
		if err := s.sink.Complete(); err != nil {
			s.logger.Errorw("sink finalization failed", "error", err)
		}
		s.events.DownloadComplete()
	}
}

func (s *Scheduler) weNeedAnyOf(peerBitfield *bitfield.Bitfield) bool {
	for _, i := range peerBitfield.Indices() {
		if s.store.PieceStatus(int(i)) != piecestore.Verified {
			return true
		}
	}
	return false
}

// requestFor issues up to sess's remaining pipeline capacity worth of block
// requests, per spec §4.5's piece/block selection rules.
func (s *Scheduler) requestFor(sess *peer.Session) {
	quota := s.inflight.PeerCapacity(sess.PeerID())
	if quota <= 0 {
		return
	}

	peerBitfield := sess.PeerBitfield()
	candidates := bitset.New(peerBitfield.Len())
	inProgressFirst := bitset.New(peerBitfield.Len())
	var concurrentPieces int
	for _, i := range peerBitfield.Indices() {
		status := s.store.PieceStatus(int(i))
		if status == piecestore.Verified {
			continue
		}
		if status == piecestore.InProgress || status == piecestore.CompleteUnverified {
			inProgressFirst.Set(i)
			concurrentPieces++
		} else {
			candidates.Set(i)
		}
	}

	endgame := s.isEndgame()

	valid := func(i int) bool {
		return len(s.store.MissingBlocks(i)) > 0 || endgame
	}

	// Prefer finishing in-progress pieces before starting new ones.
	pieces := s.selector.selectPieces(s.config.MaxConcurrentPieces, valid, inProgressFirst, &s.rarity)
	if len(pieces) == 0 && concurrentPieces < s.config.MaxConcurrentPieces {
		pieces = s.selector.selectPieces(s.config.MaxConcurrentPieces-concurrentPieces, valid, candidates, &s.rarity)
	}

	for _, pieceIdx := range pieces {
		if quota <= 0 {
			return
		}
		for _, blockIdx := range s.store.MissingBlocks(pieceIdx) {
			if quota <= 0 {
				return
			}
			live := s.inflight.Requested(pieceIdx, blockIdx)
			if live && !endgame {
				continue
			}
			length := s.blockLength(pieceIdx, blockIdx)
			s.inflight.Add(pieceIdx, blockIdx, sess.PeerID(), length, live)
			if err := sess.SendRequest(pieceIdx, uint32(blockIdx)*uint32(s.blockSize), length); err != nil {
				s.logger.Debugw("failed to send request", "peer_id", sess.PeerID(), "error", err)
				return
			}
			quota--
		}
	}
}

// blockLength returns the true length to request for block blockIdx of piece
// pieceIdx, per spec §3: blockSize except possibly the piece's final block,
// which may be shorter. Requesting the nominal blockSize unconditionally
// would make ReceivedRequest's bounds check on the serving peer reject the
// request for any piece whose length isn't an exact multiple of blockSize.
func (s *Scheduler) blockLength(pieceIdx, blockIdx int) uint32 {
	return uint32(s.store.BlockLength(pieceIdx, blockIdx))
}

// isEndgame reports whether fewer than EndgameThreshold blocks remain
// globally unrequested and overall progress exceeds EndgameMinProgress, per
// spec §4.5.
func (s *Scheduler) isEndgame() bool {
	if s.store.Progress() <= s.config.EndgameMinProgress {
		return false
	}
	var missing []blockKey
	for _, pieceIdx := range s.store.MissingPieces() {
		for _, b := range s.store.MissingBlocks(pieceIdx) {
			missing = append(missing, blockKey{pieceIdx, b})
		}
	}
	return s.inflight.NumUnrequested(missing) < s.config.EndgameThreshold
}

// Sweep expires stale requests and re-triggers scheduling for their peers'
// sessions; disconnects peers that have failed three consecutive requests.
// Intended to be called periodically by the embedding client facade.
func (s *Scheduler) Sweep() {
	for _, exp := range s.inflight.ExpiredRequests() {
		s.inflight.Drop(exp.Piece, exp.Block, exp.Peer)
		if s.inflight.RecordFailure(exp.Peer) {
			s.mu.Lock()
			sess := s.sessionByPeer[exp.Peer]
			s.mu.Unlock()
			if sess != nil {
				s.peers.Blacklist(exp.Peer)
				sess.Close()
			}
			continue
		}
		s.mu.Lock()
		sess := s.sessionByPeer[exp.Peer]
		s.mu.Unlock()
		if sess != nil && !sess.PeerChoking() {
			s.requestFor(sess)
		}
	}
}

var _ peer.Events = (*Scheduler)(nil)
