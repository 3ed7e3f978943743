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

// Package peermgr maintains the table of peer sessions for a single
// download, dialing and accepting connections up to a capacity ceiling. The
// membership/capacity/blacklist bookkeeping is grounded on
// scheduler/connstate.State, narrowed from that type's multi-torrent
// (InfoHash, PeerID) keying to a single torrent's PeerID-only keying, since
// this spec's client core manages exactly one download at a time.
package peermgr

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/peer"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Errors returned by Manager's connection lifecycle methods.
var (
	ErrAtCapacity      = errors.New("peermgr: at capacity")
	ErrAlreadyPending  = errors.New("peermgr: connection already pending")
	ErrAlreadyActive   = errors.New("peermgr: connection already active")
	ErrBlacklisted     = errors.New("peermgr: peer is blacklisted")
)

// Config configures peer membership limits and choking behavior.
type Config struct {
	MaxPeers               int           `yaml:"max_peers"`
	BlacklistDuration      time.Duration `yaml:"blacklist_duration"`
	UnchokeSlots           int           `yaml:"unchoke_slots"`
	ChokeRotationInterval  time.Duration `yaml:"choke_rotation_interval"`
	OptimisticUnchokeEvery time.Duration `yaml:"optimistic_unchoke_every"`
}

func (c *Config) applyDefaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 10 * time.Minute
	}
	if c.UnchokeSlots == 0 {
		c.UnchokeSlots = 4
	}
	if c.ChokeRotationInterval == 0 {
		c.ChokeRotationInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeEvery == 0 {
		c.OptimisticUnchokeEvery = 30 * time.Second
	}
}

type status int

const (
	statusUninit status = iota
	statusPending
	statusActive
)

type entry struct {
	status  status
	session *peer.Session
}

type blacklistEntry struct {
	expiration time.Time
}

func (e blacklistEntry) blacklisted(now time.Time) bool {
	return e.expiration.After(now)
}

// HaveBroadcaster is notified of newly-verified pieces so it can announce
// Have(i) to every connected session, per spec §4.4.
type HaveBroadcaster interface {
	BroadcastHave(index int)
}

// Manager maintains one download's peer sessions: membership, capacity, the
// blacklist, and remote-peer choking. Not safe for concurrent use except
// through its exported methods, which are all internally synchronized.
type Manager struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	mu        sync.Mutex
	peers     map[core.PeerID]entry
	blacklist map[core.PeerID]blacklistEntry

	rng *rotationState

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Manager. Call Start to begin the choke rotation ticker.
func New(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	config.applyDefaults()
	return &Manager{
		config:    config,
		clk:       clk,
		logger:    logger,
		peers:     make(map[core.PeerID]entry),
		blacklist: make(map[core.PeerID]blacklistEntry),
		rng:       newRotationState(),
		done:      make(chan struct{}),
	}
}

// Start launches the choke rotation loop. Have fan-out is not driven from
// here: the scheduler calls BroadcastHave after each verification.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.chokeLoop()
}

// Stop halts the choke rotation loop and closes every active session.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	m.mu.Lock()
	sessions := make([]*peer.Session, 0, len(m.peers))
	for _, e := range m.peers {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// AddPending reserves a capacity slot for an in-flight outbound dial or
// inbound handshake, before the session exists.
func (m *Manager) AddPending(peerID core.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.blacklist[peerID]; ok && e.blacklisted(m.clk.Now()) {
		return ErrBlacklisted
	}
	if len(m.peers) >= m.config.MaxPeers {
		return ErrAtCapacity
	}
	switch m.peers[peerID].status {
	case statusUninit:
		m.peers[peerID] = entry{status: statusPending}
		return nil
	case statusPending:
		return ErrAlreadyPending
	default:
		return ErrAlreadyActive
	}
}

// DeletePending releases a reserved slot when a dial or handshake fails.
func (m *Manager) DeletePending(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[peerID].status == statusPending {
		delete(m.peers, peerID)
	}
}

// Activate promotes a pending slot to an active session, once the handshake
// and Session construction have succeeded.
func (m *Manager) Activate(peerID core.PeerID, s *peer.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[peerID].status != statusPending {
		return fmt.Errorf("peermgr: %s is not pending", peerID)
	}
	m.peers[peerID] = entry{status: statusActive, session: s}
	return nil
}

// Remove drops a session (active or pending) from the table, e.g. after
// Session.Close.
func (m *Manager) Remove(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// Blacklist bans peerID from reconnecting for the configured duration.
func (m *Manager) Blacklist(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[peerID] = blacklistEntry{expiration: m.clk.Now().Add(m.config.BlacklistDuration)}
	m.logger.Infow("blacklisted peer", "peer_id", peerID, "duration", m.config.BlacklistDuration)
}

// Blacklisted reports whether peerID is currently banned.
func (m *Manager) Blacklisted(peerID core.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blacklist[peerID]
	return ok && e.blacklisted(m.clk.Now())
}

// ActiveSessions returns every currently active session.
func (m *Manager) ActiveSessions() []*peer.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Session, 0, len(m.peers))
	for _, e := range m.peers {
		if e.status == statusActive {
			out = append(out, e.session)
		}
	}
	return out
}

// NumActive returns the active session count.
func (m *Manager) NumActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, e := range m.peers {
		if e.status == statusActive {
			n++
		}
	}
	return n
}

// AtCapacity reports whether the manager has no room for more connections.
func (m *Manager) AtCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers) >= m.config.MaxPeers
}

// BroadcastHave announces a newly-verified piece to every active session.
func (m *Manager) BroadcastHave(index int) {
	for _, s := range m.ActiveSessions() {
		if err := s.SendHave(index); err != nil {
			m.logger.Debugw("failed to send have", "peer_id", s.PeerID(), "piece", index, "error", err)
		}
	}
}

// Dial is a hook type supplied by the embedding front end: it knows how to
// open a TCP connection to a candidate address.
type Dial func(addr string) (net.Conn, error)

// rotationState tracks the unchoke rotation's round-robin cursor and the
// time of the last optimistic unchoke, so chokeLoop's tick handler stays
// small and testable independent of wall-clock wiring.
type rotationState struct {
	cursor               int
	lastOptimisticUnlock time.Time
}

func newRotationState() *rotationState {
	return &rotationState{}
}

func (m *Manager) chokeLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(m.config.ChokeRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.rotateChoke()
		}
	}
}

// rotateChoke implements the fixed-slot choking policy from spec §4.4: up to
// UnchokeSlots interested peers unchoked at a time, rotated every tick, plus
// an optimistic unchoke of one random choked-but-interested peer every
// OptimisticUnchokeEvery.
func (m *Manager) rotateChoke() {
	sessions := m.ActiveSessions()
	if len(sessions) == 0 {
		return
	}

	var interested []*peer.Session
	for _, s := range sessions {
		if s.PeerInterested() {
			interested = append(interested, s)
		}
	}

	unchokeSet := make(map[core.PeerID]bool, m.config.UnchokeSlots)
	m.mu.Lock()
	cursor := m.rng.cursor
	m.mu.Unlock()
	for i := 0; i < len(interested) && len(unchokeSet) < m.config.UnchokeSlots; i++ {
		s := interested[(cursor+i)%len(interested)]
		unchokeSet[s.PeerID()] = true
	}
	m.mu.Lock()
	m.rng.cursor = cursor + m.config.UnchokeSlots
	doOptimistic := m.clk.Now().Sub(m.rng.lastOptimisticUnlock) >= m.config.OptimisticUnchokeEvery
	if doOptimistic {
		m.rng.lastOptimisticUnlock = m.clk.Now()
	}
	m.mu.Unlock()

	if doOptimistic {
		for _, s := range interested {
			if !unchokeSet[s.PeerID()] {
				unchokeSet[s.PeerID()] = true
				break
			}
		}
	}

	for _, s := range sessions {
		choking := !unchokeSet[s.PeerID()]
		if err := s.SetAmChoking(choking); err != nil {
			m.logger.Debugw("failed to set choking state", "peer_id", s.PeerID(), "error", err)
		}
	}
}

var _ HaveBroadcaster = (*Manager)(nil)
