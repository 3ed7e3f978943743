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

// Package piecestore assembles incoming blocks into whole pieces, verifies
// them against their expected SHA-1, and exports a piece bitfield. Its
// per-piece state machine is grounded in agentstorage's piece status
// tracking (empty/dirty/complete), generalized from a binary done-or-not
// flag into the five-state machine the block-level wire protocol needs.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"sync"
)

// Status is the lifecycle state of a single piece.
type Status int

const (
	// Empty means no blocks have been written yet.
	Empty Status = iota
	// InProgress means some but not all blocks have been written.
	InProgress
	// CompleteUnverified means every block has been written but the
	// assembled bytes have not yet been hashed.
	CompleteUnverified
	// Verified means the assembled bytes matched the expected SHA-1.
	Verified
	// Failed means the assembled bytes did not match; the piece has been
	// cleared and is eligible for re-download.
	Failed
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case InProgress:
		return "in_progress"
	case CompleteUnverified:
		return "complete_unverified"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type piece struct {
	mu sync.Mutex

	index      int
	length     int64
	expectHash [20]byte

	status Status

	// buf holds the piece's assembled bytes once any block has landed.
	// Released (set nil) once the piece leaves CompleteUnverified, either
	// via commitVerified (Verified) or a hash mismatch (Failed/verify).
	buf        []byte
	haveMask   []bool
	numHave    int
	numBlocks  int
	blockSize  int64
}

func newPiece(index int, length, blockSize int64, expectHash [20]byte) *piece {
	numBlocks := int((length + blockSize - 1) / blockSize)
	return &piece{
		index:      index,
		length:     length,
		expectHash: expectHash,
		status:     Empty,
		haveMask:   make([]bool, numBlocks),
		numBlocks:  numBlocks,
		blockSize:  blockSize,
	}
}

// blockLength returns the true length of block bi, accounting for the final
// block of the piece possibly being shorter.
func (p *piece) blockLength(bi int) int64 {
	start := int64(bi) * p.blockSize
	end := start + p.blockSize
	if end > p.length {
		end = p.length
	}
	return end - start
}

// addBlock places bytes at the given offset. Returns the resulting status.
func (p *piece) addBlock(offset int64, data []byte) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == Verified {
		return p.status, fmt.Errorf("piece %d already verified", p.index)
	}
	if offset < 0 || offset%p.blockSize != 0 {
		return p.status, fmt.Errorf("piece %d: misaligned block offset %d", p.index, offset)
	}
	bi := int(offset / p.blockSize)
	if bi < 0 || bi >= p.numBlocks {
		return p.status, fmt.Errorf("piece %d: block index %d out of range [0,%d)", p.index, bi, p.numBlocks)
	}
	wantLen := p.blockLength(bi)
	if int64(len(data)) != wantLen {
		return p.status, fmt.Errorf("piece %d block %d: expected %d bytes, got %d", p.index, bi, wantLen, len(data))
	}

	if p.buf == nil {
		p.buf = make([]byte, p.length)
	}
	copy(p.buf[offset:], data)

	if !p.haveMask[bi] {
		p.haveMask[bi] = true
		p.numHave++
	}

	if p.numHave == p.numBlocks {
		p.status = CompleteUnverified
	} else {
		p.status = InProgress
	}
	return p.status, nil
}

// verify hashes the assembled bytes against the expected SHA-1. Must only be
// called while status is CompleteUnverified.
func (p *piece) verify() (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != CompleteUnverified {
		return p.status, fmt.Errorf("piece %d: verify called in state %s", p.index, p.status)
	}
	sum := sha1.Sum(p.buf)
	if sum != p.expectHash {
		p.status = Failed
		p.buf = nil
		p.haveMask = make([]bool, p.numBlocks)
		p.numHave = 0
		return p.status, nil
	}
	p.status = Verified
	p.buf = nil
	return p.status, nil
}

// checkHash hashes the assembled bytes against the expected SHA-1 without
// finalizing state on a match: the caller must write the returned bytes
// through the sink and only then call commitVerified. On a mismatch the
// piece is reset to Failed immediately, same as verify, since no sink write
// can make a wrong hash right.
func (p *piece) checkHash() (matched bool, data []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != CompleteUnverified {
		return false, nil, fmt.Errorf("piece %d: checkHash called in state %s", p.index, p.status)
	}
	sum := sha1.Sum(p.buf)
	if sum != p.expectHash {
		p.status = Failed
		p.buf = nil
		p.haveMask = make([]bool, p.numBlocks)
		p.numHave = 0
		return false, nil, nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return true, out, nil
}

// commitVerified finalizes a piece whose hash already matched via a prior
// checkHash call, releasing its buffer. Must only be called after checkHash
// returned matched == true for this piece.
func (p *piece) commitVerified() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != CompleteUnverified {
		return fmt.Errorf("piece %d: commitVerified called in state %s", p.index, p.status)
	}
	p.status = Verified
	p.buf = nil
	return nil
}

func (p *piece) currentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// missingBlocks returns the indices of blocks not yet written.
func (p *piece) missingBlocks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for i, have := range p.haveMask {
		if !have {
			out = append(out, i)
		}
	}
	return out
}

func (p *piece) totalBlocks() int {
	return p.numBlocks
}
