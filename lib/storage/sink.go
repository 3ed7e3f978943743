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

// Package storage defines the polymorphic storage sink a verified piece
// stream is written to, and the file-overlap algorithm shared by every
// implementation that must split a piece's bytes across several files.
//
// The interface shape (Torrent/TorrentArchive split into narrow read/write
// methods) is grounded on lib/torrent/storage.Torrent; unlike that
// interface, which assumes one sink backs one underlying blob file, Sink
// here is explicitly polymorphic over local-disk and remote-resumable-
// upload implementations with different failure and capability models.
package storage

import (
	"errors"
	"fmt"

	"github.com/arimatsu/torrentcore/core"
)

// ErrNotReadable is returned by Sink.ReadPiece when the sink cannot serve
// reads (the remote/resumable-upload variant is write-only).
var ErrNotReadable = errors.New("storage: sink does not support reads")

// ErrPieceAlreadyComplete reports that a piece has already been durably
// written. No Sink in this module returns it: writing a piece again is not
// an error for either localsink or remotesink.
var ErrPieceAlreadyComplete = errors.New("storage: piece already complete in sink")

// Type identifies which Sink implementation is in use.
type Type string

const (
	// TypeLocal is the local file-tree sink.
	TypeLocal Type = "local"
	// TypeRemote is the resumable HTTP upload sink.
	TypeRemote Type = "remote"
)

// Sink is the capability set every storage backend must implement. The
// scheduler never depends on a concrete implementation, only on this
// interface, so a local download and a remote upload share one code path
// apart from construction.
type Sink interface {
	// Initialize performs one-shot setup (creating files / upload sessions)
	// before any writes occur.
	Initialize(info *core.TorrentInfo) error

	// WritePiece durably stores the verified bytes of piece i. bytes must
	// have exact length info.PieceLengthAt(i). The sink is responsible for
	// splitting bytes across whichever underlying files the piece's
	// absolute byte range overlaps.
	WritePiece(i int, data []byte) error

	// ReadPiece returns the bytes of a previously written piece, if the
	// sink supports reads. Returns ErrNotReadable otherwise.
	ReadPiece(i int) ([]byte, error)

	// Readable reports whether ReadPiece can ever succeed for this sink.
	Readable() bool

	// Complete finalizes the sink once every piece has been written
	// (fsync for local, asserting upload sessions are fully sent for
	// remote).
	Complete() error

	// Type identifies the concrete backend, surfaced through stats.
	Type() Type
}

// Overlap is one (file, byte-range-within-file) slice of a piece write or
// read that intersects a single underlying file.
type Overlap struct {
	FileIndex  int
	FileOffset int64
	Length     int64
	BufOffset  int64 // offset within the piece's byte slice this slice covers
}

// SplitOverlaps walks the ordered file list accumulating offsets, and
// returns the (file, intra-file offset, length) slices that the absolute
// byte range [absOffset, absOffset+length) intersects. This is the shared
// algorithm both localsink and remotesink use to route a single piece write
// across however many files it spans -- grounded on the position-accumulate-
// and-intersect walk used to split torrent piece I/O across a multi-file
// layout, generalized here to also work against upload sessions rather than
// only open file handles.
func SplitOverlaps(files []core.FileInfo, absOffset, length int64) ([]Overlap, error) {
	if length < 0 {
		return nil, fmt.Errorf("storage: negative length %d", length)
	}
	var overlaps []Overlap
	var fileStart int64
	remaining := length
	bufOffset := int64(0)
	for idx, f := range files {
		fileEnd := fileStart + f.Length
		if remaining <= 0 {
			break
		}
		rangeEnd := absOffset + length
		if rangeEnd <= fileStart || absOffset >= fileEnd {
			fileStart = fileEnd
			continue
		}
		overlapStart := max64(absOffset, fileStart)
		overlapEnd := min64(rangeEnd, fileEnd)
		overlapLen := overlapEnd - overlapStart
		if overlapLen > 0 {
			overlaps = append(overlaps, Overlap{
				FileIndex:  idx,
				FileOffset: overlapStart - fileStart,
				Length:     overlapLen,
				BufOffset:  bufOffset,
			})
			bufOffset += overlapLen
			remaining -= overlapLen
		}
		fileStart = fileEnd
	}
	if remaining > 0 {
		return nil, fmt.Errorf("storage: range [%d,%d) extends past end of file list", absOffset, absOffset+length)
	}
	return overlaps, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
