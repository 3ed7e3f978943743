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
package piecestore

import (
	"fmt"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/bitfield"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Store assembles and verifies the pieces of a single torrent. It owns no
// durable storage itself -- a piece's bytes are handed to a storage sink by
// the caller via CheckHash before the piece is committed via CommitVerified,
// mirroring agentstorage.Torrent's separation between in-memory piece
// bookkeeping and the on-disk blob.
type Store struct {
	info      *core.TorrentInfo
	blockSize int64
	pieces    []*piece
	verified  *bitfield.Bitfield
	numDone   atomic.Int32
	log       *zap.SugaredLogger
}

// New creates a Store for the given torrent, with blockSize as the unit of
// block-level I/O (the BitTorrent convention is 16 KiB).
func New(info *core.TorrentInfo, blockSize int64, log *zap.SugaredLogger) *Store {
	n := info.NumPieces()
	pieces := make([]*piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = newPiece(i, info.PieceLengthAt(i), blockSize, info.PieceHash(i))
	}
	return &Store{
		info:      info,
		blockSize: blockSize,
		pieces:    pieces,
		verified:  bitfield.New(uint(n)),
		log:       log,
	}
}

// RestoreVerified marks pieces already verified per a resume-log bitfield,
// without requiring their bytes to pass back through this store. Used on
// startup to fast-forward state loaded from lib/resume.
func (s *Store) RestoreVerified(indices []uint) {
	for _, i := range indices {
		if int(i) >= len(s.pieces) {
			continue
		}
		p := s.pieces[i]
		p.mu.Lock()
		p.status = Verified
		p.buf = nil
		p.mu.Unlock()
		s.verified.Set(i, true)
		s.numDone.Inc()
	}
}

// NumPieces returns the total number of pieces.
func (s *Store) NumPieces() int { return len(s.pieces) }

// PieceStatus returns the current status of piece i.
func (s *Store) PieceStatus(i int) Status {
	return s.pieces[i].currentStatus()
}

// MissingBlocks returns the block indices of piece i not yet received.
func (s *Store) MissingBlocks(i int) []int {
	return s.pieces[i].missingBlocks()
}

// NumBlocks returns the number of blocks piece i is divided into.
func (s *Store) NumBlocks(i int) int {
	return s.pieces[i].totalBlocks()
}

// BlockLength returns the true length of block bi within piece i, which is
// blockSize except possibly for the piece's final block.
func (s *Store) BlockLength(i, bi int) int64 {
	return s.pieces[i].blockLength(bi)
}

// AddBlock places a received block into piece i at the given byte offset.
// Returns the piece's resulting status, which the caller (the scheduler)
// uses to decide whether to trigger CheckHash.
func (s *Store) AddBlock(i int, offset int64, data []byte) (Status, error) {
	if i < 0 || i >= len(s.pieces) {
		return Empty, fmt.Errorf("piece index %d out of range", i)
	}
	status, err := s.pieces[i].addBlock(offset, data)
	if err != nil {
		return status, err
	}
	if s.log != nil && status == CompleteUnverified {
		s.log.Debugw("piece complete, pending verification", "piece", i)
	}
	return status, nil
}

// Verify hashes piece i's assembled bytes against its expected SHA-1 and
// immediately commits the result: on success the piece becomes Verified and
// its bitfield bit is set; on mismatch it becomes Failed, its bytes are
// dropped, and it is again eligible for download. Used only where no sink
// write needs to happen first -- i.e. rehashing a piece whose bytes already
// sit durably in the sink (see client.rehashFromSink). A piece newly
// assembled from the wire must instead go through CheckHash/CommitVerified
// so the sink write happens before the piece is counted as verified.
func (s *Store) Verify(i int) (Status, error) {
	status, err := s.pieces[i].verify()
	if err != nil {
		return status, err
	}
	switch status {
	case Verified:
		s.verified.Set(uint(i), true)
		s.numDone.Inc()
		if s.log != nil {
			s.log.Debugw("piece verified", "piece", i)
		}
	case Failed:
		if s.log != nil {
			s.log.Warnw("piece hash mismatch", "piece", i)
		}
	}
	return status, nil
}

// CheckHash hashes piece i's assembled bytes against its expected SHA-1
// without committing a match: per spec §4.5, a piece must only be counted
// as Verified once its bytes have also been durably written to the sink. On
// a mismatch no sink write can fix a wrong hash, so the piece becomes Failed
// immediately, exactly as Verify does. On a match the piece remains
// CompleteUnverified and its assembled bytes are returned (not released) for
// the caller to write through the sink before calling CommitVerified.
func (s *Store) CheckHash(i int) (matched bool, data []byte, err error) {
	matched, data, err = s.pieces[i].checkHash()
	if err != nil {
		return false, nil, err
	}
	if !matched && s.log != nil {
		s.log.Warnw("piece hash mismatch", "piece", i)
	}
	return matched, data, nil
}

// CommitVerified finalizes piece i as Verified after its bytes, returned by
// a prior matching CheckHash(i), have been durably written to the sink. It
// sets the piece's bitfield bit, increments the verified count, and releases
// the piece's in-memory buffer.
func (s *Store) CommitVerified(i int) error {
	if err := s.pieces[i].commitVerified(); err != nil {
		return err
	}
	s.verified.Set(uint(i), true)
	s.numDone.Inc()
	if s.log != nil {
		s.log.Debugw("piece verified", "piece", i)
	}
	return nil
}

// Bitfield exports the current verified bitmap, MSB-first, suitable for the
// wire protocol and the resume log.
func (s *Store) Bitfield() *bitfield.Bitfield {
	return s.verified.Clone()
}

// HasPiece reports whether piece i has been verified.
func (s *Store) HasPiece(i int) bool {
	return s.verified.Has(uint(i))
}

// VerifiedCount returns the number of verified pieces.
func (s *Store) VerifiedCount() int {
	return int(s.numDone.Load())
}

// Progress returns the fraction of pieces verified, in [0,1].
func (s *Store) Progress() float64 {
	if len(s.pieces) == 0 {
		return 1
	}
	return float64(s.numDone.Load()) / float64(len(s.pieces))
}

// Complete reports whether every piece has been verified.
func (s *Store) Complete() bool {
	return int(s.numDone.Load()) == len(s.pieces)
}

// MissingPieces returns the indices of all pieces not yet verified.
func (s *Store) MissingPieces() []int {
	var out []int
	for i, p := range s.pieces {
		if p.currentStatus() != Verified {
			out = append(out, i)
		}
	}
	return out
}
