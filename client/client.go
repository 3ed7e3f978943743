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

// Package client is the front-end-facing entry point (C10): a single
// constructor wires a TorrentInfo, a storage sink, a PeerSource, and a
// Config into a running download, and exposes exactly the API of spec §6.
// The listen/dial/stop wiring -- a net.Listener accept loop, a ticker loop
// for periodic background work, and an errgroup-supervised shutdown sequence
// -- is grounded on lib/torrent/scheduler.scheduler's start/Stop pair,
// narrowed here from a multi-torrent event-loop architecture to a single
// download's direct method calls.
package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/peer"
	"github.com/arimatsu/torrentcore/lib/peermgr"
	"github.com/arimatsu/torrentcore/lib/piecestore"
	"github.com/arimatsu/torrentcore/lib/resume"
	"github.com/arimatsu/torrentcore/lib/scheduler"
	"github.com/arimatsu/torrentcore/lib/stats"
	"github.com/arimatsu/torrentcore/lib/storage"
	"github.com/arimatsu/torrentcore/lib/wire"
	"github.com/arimatsu/torrentcore/utils/shutdown"
)

const blockSize = wire.DefaultBlockSize

// PeerCandidate is one dialable remote peer, as yielded by a PeerSource.
type PeerCandidate struct {
	Addr   string
	PeerID core.PeerID
}

// PeerSource supplies candidate peers to dial, backed externally by a
// tracker client, DHT lookup, or a static peer list -- out of this core's
// scope per spec §1.
type PeerSource interface {
	Poll() ([]PeerCandidate, error)
}

// Client is a single torrent download: the wired-together C1-C9 components,
// reachable through the front-end API named in spec §6.
type Client struct {
	config   Config
	info     *core.TorrentInfo
	selfID   core.PeerID
	sink     storage.Sink
	source   PeerSource
	store    *piecestore.Store
	peers    *peermgr.Manager
	sched    *scheduler.Scheduler
	stats    *stats.Stats
	clk      clock.Clock
	logger   *zap.SugaredLogger
	shutdown *shutdown.Handler

	listener net.Listener

	mu         sync.Mutex
	complete   bool
	completeCh chan struct{}

	group *errgroup.Group
}

// New wires a TorrentInfo, a storage sink, and a PeerSource into a Client,
// restoring resume-log state if present, but does not yet accept or dial
// connections -- call Start for that.
func New(
	info *core.TorrentInfo,
	sink storage.Sink,
	source PeerSource,
	selfID core.PeerID,
	config Config,
	statsScope tally.Scope,
	logger *zap.SugaredLogger,
) (*Client, error) {

	config.applyDefaults()

	if err := sink.Initialize(info); err != nil {
		return nil, fmt.Errorf("initialize sink: %w", err)
	}

	store := piecestore.New(info, blockSize, logger)

	if config.ResumeLogPath != "" && resume.Exists(config.ResumeLogPath) {
		state, err := resume.Read(config.ResumeLogPath, info.InfoHash())
		if err != nil {
			logger.Warnw("resume log invalid, starting fresh download", "error", err)
		} else {
			store.RestoreVerified(state.Bitfield.Indices())
		}
	}

	if sink.Readable() {
		rehashFromSink(store, sink, info, logger)
	}

	clk := clock.New()
	peers := peermgr.New(config.PeerMgr, clk, logger)
	st := stats.New(statsScope)

	c := &Client{
		config:     config,
		info:       info,
		selfID:     selfID,
		sink:       sink,
		source:     source,
		store:      store,
		peers:      peers,
		stats:      st,
		clk:        clk,
		logger:     logger,
		shutdown:   shutdown.New(nil),
		completeCh: make(chan struct{}),
	}
	c.sched = scheduler.New(config.Scheduler, clk, store, sink, peers, blockSize, info.NumPieces(), c, logger)

	if store.Complete() {
		c.markComplete()
	}

	return c, nil
}

// Start begins accepting inbound connections, polling the PeerSource, and
// running the scheduler's periodic sweep and the resume checkpointer.
func (c *Client) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.ListenPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	c.listener = l

	c.peers.Start()
	c.shutdown.AddCleanup(func() error {
		c.peers.Stop()
		return nil
	})
	c.shutdown.AddCleanup(func() error {
		return c.listener.Close()
	})

	c.group = &errgroup.Group{}
	c.group.Go(c.acceptLoop)
	c.group.Go(c.pollLoop)
	c.group.Go(c.tickerLoop)

	c.logger.Infow("client started", "info_hash", c.info.InfoHash(), "addr", l.Addr())
	return nil
}

// -- front-end-facing API (spec §6) --

// IsComplete reports whether every piece has been verified and written.
func (c *Client) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Progress returns the fraction of pieces verified, in [0,1].
func (c *Client) Progress() float64 {
	return c.store.Progress()
}

// Stats returns the client's live metrics.
func (c *Client) Stats() *stats.Stats {
	return c.stats
}

// VerifiedPieceCount returns the number of pieces verified so far.
func (c *Client) VerifiedPieceCount() int {
	return c.store.VerifiedCount()
}

// Done returns a channel that closes once the download completes.
func (c *Client) Done() <-chan struct{} {
	return c.completeCh
}

// Shutdown tears down every active session, checkpoints the resume log one
// final time, and stops every background loop. Safe to call more than once.
func (c *Client) Shutdown() {
	c.checkpoint()
	c.shutdown.Shutdown()
	if c.group != nil {
		c.group.Wait()
	}
}

// -- scheduler.Events --

// PieceVerified is called by the scheduler after a piece passes verification.
func (c *Client) PieceVerified(index int) {
	c.stats.RecordPieceVerified()
	c.stats.SetProgress(c.store.Progress())
}

// PieceFailed is called by the scheduler after a piece fails verification.
func (c *Client) PieceFailed(index int) {
	c.stats.RecordPieceFailed()
}

// DownloadComplete is called by the scheduler once every piece is verified.
func (c *Client) DownloadComplete() {
	c.markComplete()
}

func (c *Client) markComplete() {
	c.mu.Lock()
	already := c.complete
	c.complete = true
	c.mu.Unlock()
	if !already {
		close(c.completeCh)
		c.checkpoint()
	}
}

// -- background loops --

func (c *Client) acceptLoop() error {
	for {
		nc, err := c.listener.Accept()
		if err != nil {
			return nil
		}
		go c.acceptOne(nc)
	}
}

func (c *Client) acceptOne(nc net.Conn) {
	hs, err := wire.ReadHandshake(nc, c.info.InfoHash())
	if err != nil {
		c.logger.Infow("rejecting inbound handshake", "error", err)
		nc.Close()
		return
	}
	if err := wire.WriteHandshake(nc, wire.Handshake{InfoHash: c.info.InfoHash(), PeerID: c.selfID}); err != nil {
		nc.Close()
		return
	}
	if err := c.peers.AddPending(hs.PeerID); err != nil {
		nc.Close()
		return
	}
	c.activate(nc, hs.PeerID, true)
}

func (c *Client) pollLoop() error {
	ticker := c.clk.Ticker(c.config.PeerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown.Context().Done():
			return nil
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Client) pollOnce() {
	if c.peers.AtCapacity() {
		return
	}
	candidates, err := c.source.Poll()
	if err != nil {
		c.logger.Warnw("peer source poll failed", "error", err)
		return
	}
	for _, cand := range candidates {
		if c.peers.AtCapacity() {
			return
		}
		if err := c.peers.AddPending(cand.PeerID); err != nil {
			continue
		}
		go c.dial(cand)
	}
}

func (c *Client) dial(cand PeerCandidate) {
	nc, err := net.DialTimeout("tcp", cand.Addr, c.config.DialTimeout)
	if err != nil {
		c.logger.Infow("dial failed", "addr", cand.Addr, "error", err)
		c.peers.DeletePending(cand.PeerID)
		return
	}
	if err := wire.WriteHandshake(nc, wire.Handshake{InfoHash: c.info.InfoHash(), PeerID: c.selfID}); err != nil {
		nc.Close()
		c.peers.DeletePending(cand.PeerID)
		return
	}
	hs, err := wire.ReadHandshake(nc, c.info.InfoHash())
	if err != nil {
		nc.Close()
		c.peers.DeletePending(cand.PeerID)
		return
	}
	if hs.PeerID != cand.PeerID {
		nc.Close()
		c.peers.DeletePending(cand.PeerID)
		return
	}
	c.activate(nc, cand.PeerID, false)
}

func (c *Client) activate(nc net.Conn, peerID core.PeerID, openedByRemote bool) {
	maxPayloadLen := wire.MaxPayloadLen(c.info.PieceLength())
	sess := peer.New(c.config.Session, c.clk, c.sched, nc, peerID, c.info.InfoHash(),
		maxPayloadLen, uint(c.info.NumPieces()), openedByRemote, c.logger)
	if err := c.peers.Activate(peerID, sess); err != nil {
		nc.Close()
		return
	}
	sess.Start()
	c.sched.AddSession(sess)
}

func (c *Client) tickerLoop() error {
	sweepTicker := c.clk.Ticker(c.config.SweepInterval)
	defer sweepTicker.Stop()
	checkpointTicker := c.clk.Ticker(c.config.CheckpointInterval)
	defer checkpointTicker.Stop()
	for {
		select {
		case <-c.shutdown.Context().Done():
			return nil
		case <-sweepTicker.C:
			c.sched.Sweep()
			c.stats.SetActivePeers(c.peers.NumActive())
		case <-checkpointTicker.C:
			c.checkpoint()
		}
	}
}

// rehashFromSink verifies any not-yet-verified piece directly against
// whatever bytes are already present in a readable sink, per spec §4.1's
// read_piece note that it is "used for resume validation and seeding" --
// this lets a client started against a directory of already-complete files
// recognize them as verified without re-downloading, and lets a resume log
// that only partially matched disk state catch up the rest.
func rehashFromSink(store *piecestore.Store, sink storage.Sink, info *core.TorrentInfo, logger *zap.SugaredLogger) {
	for i := 0; i < info.NumPieces(); i++ {
		if store.PieceStatus(i) == piecestore.Verified {
			continue
		}
		data, err := sink.ReadPiece(i)
		if err != nil {
			continue
		}
		pieceLen := info.PieceLengthAt(i)
		var addErr error
		for offset := int64(0); offset < pieceLen; offset += blockSize {
			end := offset + blockSize
			if end > pieceLen {
				end = pieceLen
			}
			if _, addErr = store.AddBlock(i, offset, data[offset:end]); addErr != nil {
				break
			}
		}
		if addErr != nil {
			logger.Warnw("rehash: failed to reassemble piece from sink", "piece", i, "error", addErr)
			continue
		}
		if _, err := store.Verify(i); err != nil {
			logger.Warnw("rehash: failed to verify piece from sink", "piece", i, "error", err)
		}
	}
}

func (c *Client) checkpoint() {
	if c.config.ResumeLogPath == "" {
		return
	}
	state := resume.State{
		InfoHash: c.info.InfoHash(),
		Bitfield: c.store.Bitfield(),
	}
	if err := resume.Write(c.config.ResumeLogPath, state); err != nil {
		c.logger.Warnw("failed to checkpoint resume log", "error", err)
	}
}
