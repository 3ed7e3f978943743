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

// Package peer implements a single peer connection's wire-level session: the
// read/write goroutine pair, idle/keep-alive timers, and the per-peer
// choke/interest state machine. The sender/receiver channel architecture and
// close-once-via-atomic-bool shutdown sequence are grounded on
// scheduler/conn.Conn, generalized from conn.Conn's protobuf message
// envelope to lib/wire's raw length-prefixed frames, and with the bandwidth
// limiter removed per this spec's no-bandwidth-shaping scope.
package peer

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/bitfield"
	"github.com/arimatsu/torrentcore/lib/wire"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// KeepAliveInterval is how long a session waits without sending anything
// before emitting a keep-alive, per spec.
const KeepAliveInterval = 2 * time.Minute

// IdleTimeout is how long a session tolerates receiving nothing before it
// disconnects, per spec ("2 minutes + slack").
const IdleTimeout = KeepAliveInterval + 30*time.Second

// Events is how a Session reports lifecycle and protocol events back to its
// owner (the peer manager / scheduler), mirroring conn.Events' single-method
// shape but covering every transition this spec's state machine names.
type Events interface {
	// SessionClosed is called exactly once, after a Session's read and write
	// loops have both exited.
	SessionClosed(s *Session)

	// BecameInterested/BecameUninterested report am_interested transitions.
	BecameInterested(s *Session)
	BecameUninterested(s *Session)

	// PeerUnchoked/PeerChoked report peer_choking transitions.
	PeerUnchoked(s *Session)
	PeerChoked(s *Session)

	// ReceivedHave/ReceivedBitfield update the scheduler's view of what this
	// peer holds.
	ReceivedHave(s *Session, index int)
	ReceivedBitfield(s *Session, bf *bitfield.Bitfield)

	// ReceivedPiece delivers a downloaded block.
	ReceivedPiece(s *Session, index int, begin uint32, block []byte)

	// ReceivedRequest is honored only if we are not choking the peer; the
	// owner is responsible for reading from the sink and calling
	// Session.SendPiece.
	ReceivedRequest(s *Session, index int, begin, length uint32)

	// ReceivedCancel lets the owner drop a pending ReceivedRequest.
	ReceivedCancel(s *Session, index int, begin, length uint32)

	// ProtocolViolation is called when a peer sends a malformed or
	// out-of-bounds message; the owner decides whether to close the
	// session (by calling Close) -- protocol violations are per-peer
	// errors under this spec's error propagation policy.
	ProtocolViolation(s *Session, err error)
}

// Config configures session buffering and limits.
type Config struct {
	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`
}

func (c *Config) applyDefaults() {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
}

// Session manages one peer connection's wire traffic and the state machine
// in spec §4.3: am_choking/am_interested/peer_choking/peer_interested.
type Session struct {
	peerID         core.PeerID
	infoHash       core.InfoHash
	maxPayloadLen  int64
	openedByRemote bool

	nc     net.Conn
	config Config
	clk    clock.Clock
	events Events
	logger *zap.SugaredLogger

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   *bitfield.Bitfield
	lastSent       time.Time
	lastReceived   time.Time

	sender   chan wire.Message
	receiver chan wire.Message

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Session over an already-connected, already-handshaken nc.
// peerBitfieldLen is the torrent's piece count, used to size the initial
// (all-zero) remote bitfield.
func New(
	config Config,
	clk clock.Clock,
	events Events,
	nc net.Conn,
	peerID core.PeerID,
	infoHash core.InfoHash,
	maxPayloadLen int64,
	peerBitfieldLen uint,
	openedByRemote bool,
	logger *zap.SugaredLogger,
) *Session {
	config.applyDefaults()
	return &Session{
		peerID:         peerID,
		infoHash:       infoHash,
		maxPayloadLen:  maxPayloadLen,
		openedByRemote: openedByRemote,
		nc:             nc,
		config:         config,
		clk:            clk,
		events:         events,
		logger:         logger,
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		peerBitfield:   bitfield.New(peerBitfieldLen),
		sender:         make(chan wire.Message, config.SenderBufferSize),
		receiver:       make(chan wire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// Start launches the read and write loops. Safe to call multiple times; only
// the first call has an effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.lastReceived = s.clk.Now()
		s.mu.Unlock()
		s.wg.Add(3)
		go s.readLoop()
		go s.writeLoop()
		go s.keepAliveLoop()
	})
}

// PeerID returns the remote peer's id.
func (s *Session) PeerID() core.PeerID { return s.peerID }

// InfoHash returns the torrent this session is transmitting.
func (s *Session) InfoHash() core.InfoHash { return s.infoHash }

// OpenedByRemote reports whether the remote peer dialed us.
func (s *Session) OpenedByRemote() bool { return s.openedByRemote }

func (s *Session) String() string {
	return fmt.Sprintf("Session(peer=%s, hash=%s)", s.peerID, s.infoHash)
}

// AmChoking reports whether we are choking the peer.
func (s *Session) AmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

// AmInterested reports whether we are interested in the peer.
func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// PeerChoking reports whether the peer is choking us.
func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// PeerInterested reports whether the peer is interested in us.
func (s *Session) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// PeerBitfield returns a clone of the peer's last known bitfield.
func (s *Session) PeerBitfield() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBitfield.Clone()
}

// SetAmChoking sets our choking state towards the peer and sends the
// corresponding Choke/Unchoke message, per the peer manager's choke policy.
func (s *Session) SetAmChoking(choking bool) error {
	s.mu.Lock()
	changed := s.amChoking != choking
	s.amChoking = choking
	s.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.Unchoke
	if choking {
		id = wire.Choke
	}
	return s.send(wire.Message{ID: id})
}

// setAmInterested sets our interest towards the peer and sends the
// corresponding Interested/NotInterested message, only if the state actually
// changes (per spec §4.3's "if ... and am_interested=false" guard).
func (s *Session) setAmInterested(interested bool) error {
	s.mu.Lock()
	changed := s.amInterested != interested
	s.amInterested = interested
	s.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.NotInterested
	if interested {
		id = wire.Interested
	}
	if err := s.send(wire.Message{ID: id}); err != nil {
		return err
	}
	if interested {
		s.events.BecameInterested(s)
	} else {
		s.events.BecameUninterested(s)
	}
	return nil
}

// SendHave announces that we now hold piece index.
func (s *Session) SendHave(index int) error {
	return s.send(wire.NewHave(uint32(index)))
}

// SendBitfield sends our current bitfield, typically once right after the
// handshake.
func (s *Session) SendBitfield(bf *bitfield.Bitfield) error {
	return s.send(wire.NewBitfield(bf.Encode()))
}

// SendRequest requests a block. Only meaningful when PeerChoking is false.
func (s *Session) SendRequest(index int, begin, length uint32) error {
	return s.send(wire.NewRequest(wire.Request, uint32(index), begin, length))
}

// SendCancel cancels a previously sent request, e.g. on endgame completion.
func (s *Session) SendCancel(index int, begin, length uint32) error {
	return s.send(wire.NewRequest(wire.Cancel, uint32(index), begin, length))
}

// SendPiece sends a downloaded block in response to a Request, only
// meaningful when AmChoking is false.
func (s *Session) SendPiece(index int, begin uint32, block []byte) error {
	return s.send(wire.NewPiece(uint32(index), begin, block))
}

func (s *Session) send(msg wire.Message) error {
	select {
	case <-s.done:
		return fmt.Errorf("peer: session closed")
	case s.sender <- msg:
		return nil
	default:
		return fmt.Errorf("peer: send buffer full")
	}
}

// Close starts the session's shutdown sequence. Idempotent.
func (s *Session) Close() {
	if !s.closed.CAS(false, true) {
		return
	}
	go func() {
		close(s.done)
		s.nc.Close()
		s.wg.Wait()
		s.events.SessionClosed(s)
	}()
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) readLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg, ok, err := wire.ReadFrame(s.nc, s.maxPayloadLen)
		if err != nil {
			if err != io.EOF {
				s.log().Infow("session read error, closing", "error", err)
			}
			return
		}
		s.mu.Lock()
		s.lastReceived = s.clk.Now()
		s.mu.Unlock()
		if !ok {
			continue // keep-alive
		}
		if err := s.handle(msg); err != nil {
			s.log().Warnw("protocol violation, closing session", "error", err)
			s.events.ProtocolViolation(s, err)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sender:
			if err := wire.WriteMessage(s.nc, msg); err != nil {
				s.log().Infow("session write error, closing", "error", err)
				s.Close()
				return
			}
			s.mu.Lock()
			s.lastSent = s.clk.Now()
			s.mu.Unlock()
		}
	}
}

// keepAliveLoop sends a keep-alive after KeepAliveInterval of silence, and
// closes the session after IdleTimeout of receiving nothing.
func (s *Session) keepAliveLoop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := s.clk.Now()
			s.mu.Lock()
			lastSent, lastReceived := s.lastSent, s.lastReceived
			s.mu.Unlock()
			if !lastReceived.IsZero() && now.Sub(lastReceived) > IdleTimeout {
				s.log().Infow("session idle timeout, closing")
				s.Close()
				return
			}
			if lastSent.IsZero() || now.Sub(lastSent) >= KeepAliveInterval {
				if err := wire.WriteKeepAlive(s.nc); err == nil {
					s.mu.Lock()
					s.lastSent = now
					s.mu.Unlock()
				}
			}
		}
	}
}

func (s *Session) handle(msg wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		s.events.PeerChoked(s)
	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.events.PeerUnchoked(s)
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case wire.Have:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if int(index) >= int(s.peerBitfield.Len()) {
			s.mu.Unlock()
			return fmt.Errorf("peer: have index %d out of range", index)
		}
		s.peerBitfield.Set(uint(index), true)
		s.mu.Unlock()
		s.events.ReceivedHave(s, int(index))
	case wire.Bitfield:
		bf, err := bitfield.Decode(msg.Payload, s.peerBitfield.Len())
		if err != nil {
			return fmt.Errorf("peer: bad bitfield: %w", err)
		}
		s.mu.Lock()
		s.peerBitfield = bf
		s.mu.Unlock()
		s.events.ReceivedBitfield(s, bf.Clone())
	case wire.Request:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return err
		}
		if s.AmChoking() {
			return nil // silently drop, per spec: honored only when am_choking=false
		}
		s.events.ReceivedRequest(s, int(index), begin, length)
	case wire.Cancel:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return err
		}
		s.events.ReceivedCancel(s, int(index), begin, length)
	case wire.Piece:
		index, begin, block, err := wire.ParsePiece(msg)
		if err != nil {
			return err
		}
		s.events.ReceivedPiece(s, int(index), begin, block)
	default:
		return fmt.Errorf("peer: unknown message id %d", msg.ID)
	}
	return nil
}

// NotifyHaveUpdate recomputes am_interested from a new local "have" set: the
// scheduler calls this whenever our own verified bitfield changes, per the
// "conversely, if peer no longer has anything we need, send NotInterested"
// clause of spec §4.3.
func (s *Session) NotifyHaveUpdate(weNeedAnyOf func(peerBitfield *bitfield.Bitfield) bool) error {
	s.mu.Lock()
	bf := s.peerBitfield
	s.mu.Unlock()
	return s.setAmInterested(weNeedAnyOf(bf))
}
