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

// Package bitfield provides a thread-safe piece bitmap, plus the MSB-first
// byte encoding the BitTorrent wire protocol and the resume log expect.
//
// Internally this wraps willf/bitset, same as the scheduler's per-torrent
// sync bitfield. bitset's own MarshalBinary format is a different, LSB-first
// layout, so the wire/resume codec below is a distinct, hand-rolled adapter
// rather than a reuse of bitset's (de)serialization.
package bitfield

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a thread-safe bitmap over piece indices [0, n).
type Bitfield struct {
	mu sync.RWMutex
	b  *bitset.BitSet
	n  uint
}

// New returns a new Bitfield of length n with every bit clear.
func New(n uint) *Bitfield {
	return &Bitfield{b: bitset.New(n), n: n}
}

// Len returns the number of bits (pieces) in the bitfield.
func (f *Bitfield) Len() uint {
	return f.n
}

// Has reports whether piece i is set.
func (f *Bitfield) Has(i uint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.b.Test(i)
}

// Set sets or clears piece i.
func (f *Bitfield) Set(i uint, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.b.SetTo(i, v)
}

// Complete reports whether every bit is set.
func (f *Bitfield) Complete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.b.All()
}

// Count returns the number of set bits.
func (f *Bitfield) Count() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.b.Count()
}

// Clone returns an independent copy of f.
func (f *Bitfield) Clone() *Bitfield {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dst := &bitset.BitSet{}
	f.b.Copy(dst)
	return &Bitfield{b: dst, n: f.n}
}

// Indices returns the indices of every set bit, in ascending order.
func (f *Bitfield) Indices() []uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint, 0, f.b.Count())
	for i, ok := f.b.NextSet(0); ok; i, ok = f.b.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// Intersect returns a new bitset set wherever both f and other are set.
func (f *Bitfield) Intersect(other *bitset.BitSet) *bitset.BitSet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.b.Intersection(other)
}

// Raw returns a snapshot of the underlying bitset, safe for read-only use by
// the caller (it is a copy).
func (f *Bitfield) Raw() *bitset.BitSet {
	return f.Clone().b
}

// Encode renders the bitfield in the wire/resume-log convention: MSB-first
// within each byte, zero-padded to a byte boundary. Byte 0 bit 7 is piece 0.
func (f *Bitfield) Encode() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]byte, (f.n+7)/8)
	for i, ok := f.b.NextSet(0); ok; i, ok = f.b.NextSet(i + 1) {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		out[byteIdx] |= 1 << bitIdx
	}
	return out
}

// Decode parses an MSB-first bitfield of n pieces from wire/resume-log
// bytes. Returns an error if data is not exactly ceil(n/8) bytes long, or if any
// padding bit beyond piece n-1 is set (a protocol violation per the wire
// spec's "spare bits are zero" convention).
func Decode(data []byte, n uint) (*Bitfield, error) {
	want := (n + 7) / 8
	if uint(len(data)) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d pieces, got %d", want, n, len(data))
	}
	f := New(n)
	for i := uint(0); i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			f.b.Set(i)
		}
	}
	for i := n; i < want*8; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			return nil, fmt.Errorf("bitfield: spare padding bit %d is set", i)
		}
	}
	return f, nil
}
