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
package core

import (
	"fmt"
)

// FileInfo describes one file within a (possibly multi-file) torrent, laid
// out back to back in declaration order to form the logical concatenation
// that pieces are cut from.
type FileInfo struct {
	Path   string
	Length int64
}

// TorrentInfo is the immutable description of a torrent's content: how it is
// split into pieces, what each piece must hash to, and how those pieces map
// onto one or more files on disk. TorrentInfo intentionally has no notion of
// bencode, magnet links, or trackers -- it is constructed directly by a
// front end that already parsed a .torrent file or received a magnet
// resolution elsewhere.
type TorrentInfo struct {
	infoHash    InfoHash
	pieceLength int64
	pieceHashes [][20]byte
	files       []FileInfo
	length      int64
}

// NewTorrentInfo constructs a TorrentInfo. pieceHashes must contain real
// 20-byte SHA-1 digests -- an all-zero placeholder hash is rejected here,
// since such a torrent can never pass piece verification.
func NewTorrentInfo(infoHash InfoHash, pieceLength int64, pieceHashes [][20]byte, files []FileInfo) (*TorrentInfo, error) {
	if pieceLength <= 0 || pieceLength&(pieceLength-1) != 0 {
		return nil, fmt.Errorf("piece length must be a positive power of two, got %d", pieceLength)
	}
	if len(pieceHashes) == 0 {
		return nil, fmt.Errorf("torrent must have at least one piece")
	}
	for i, h := range pieceHashes {
		if h == ([20]byte{}) {
			return nil, fmt.Errorf("piece %d has an all-zero placeholder hash", i)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("torrent must have at least one file")
	}
	var length int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("file %q has negative length %d", f.Path, f.Length)
		}
		length += f.Length
	}
	p := int64(len(pieceHashes))
	if length > p*pieceLength {
		return nil, fmt.Errorf("total length %d exceeds piece count * piece length (%d)", length, p*pieceLength)
	}
	if length <= (p-1)*pieceLength {
		return nil, fmt.Errorf("total length %d too small for %d pieces of length %d", length, p, pieceLength)
	}
	return &TorrentInfo{
		infoHash:    infoHash,
		pieceLength: pieceLength,
		pieceHashes: pieceHashes,
		files:       append([]FileInfo(nil), files...),
		length:      length,
	}, nil
}

// InfoHash returns the torrent's identity.
func (t *TorrentInfo) InfoHash() InfoHash { return t.infoHash }

// Length returns the total length of the torrent's content across all files.
func (t *TorrentInfo) Length() int64 { return t.length }

// NumPieces returns the number of pieces in the torrent.
func (t *TorrentInfo) NumPieces() int { return len(t.pieceHashes) }

// PieceLength returns the nominal piece length. The final piece may be
// shorter; use PieceLengthAt for the true length of a given piece.
func (t *TorrentInfo) PieceLength() int64 { return t.pieceLength }

// PieceLengthAt returns the true length of piece i, accounting for the
// final, possibly-shorter piece.
func (t *TorrentInfo) PieceLengthAt(i int) int64 {
	if i < 0 || i >= len(t.pieceHashes) {
		return 0
	}
	if i == len(t.pieceHashes)-1 {
		return t.length - t.pieceLength*int64(i)
	}
	return t.pieceLength
}

// PieceOffset returns the absolute offset of piece i within the logical
// concatenation of all files.
func (t *TorrentInfo) PieceOffset(i int) int64 {
	return int64(i) * t.pieceLength
}

// PieceHash returns the expected SHA-1 digest of piece i. Does not check
// bounds.
func (t *TorrentInfo) PieceHash(i int) [20]byte {
	return t.pieceHashes[i]
}

// Files returns the ordered file list. The returned slice must not be
// mutated.
func (t *TorrentInfo) Files() []FileInfo {
	return t.files
}

// String implements fmt.Stringer.
func (t *TorrentInfo) String() string {
	return fmt.Sprintf("TorrentInfo(%s, %d pieces, %d bytes, %d files)",
		t.infoHash, len(t.pieceHashes), t.length, len(t.files))
}
