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
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arimatsu/torrentcore/core"
)

// twoPieceTorrent builds an 8-byte first piece and a 5-byte final piece
// (pieceLength 8, blockSize 4), so the final piece's second block is a short
// 1-byte block -- the boundary case BlockLength exists to handle.
func twoPieceTorrent(t *testing.T) (*core.TorrentInfo, [2][]byte) {
	p0 := []byte("aaaaaaaa")
	p1 := []byte("bbbbb")
	h0 := sha1.Sum(p0)
	h1 := sha1.Sum(p1)
	info, err := core.NewTorrentInfo(
		core.InfoHash{1},
		8,
		[][20]byte{h0, h1},
		[]core.FileInfo{{Path: "f", Length: int64(len(p0) + len(p1))}},
	)
	require.NoError(t, err)
	return info, [2][]byte{p0, p1}
}

func TestAddBlockTransitionsEmptyToCompleteUnverified(t *testing.T) {
	info, pieces := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	require.Equal(t, Empty, s.PieceStatus(0))

	status, err := s.AddBlock(0, 0, pieces[0][:4])
	require.NoError(t, err)
	require.Equal(t, InProgress, status)
	require.Equal(t, InProgress, s.PieceStatus(0))

	status, err = s.AddBlock(0, 4, pieces[0][4:])
	require.NoError(t, err)
	require.Equal(t, CompleteUnverified, status)
	require.Equal(t, CompleteUnverified, s.PieceStatus(0))
}

func TestBlockLengthShortensFinalBlock(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	require.Equal(t, int64(4), s.BlockLength(1, 0))
	require.Equal(t, int64(1), s.BlockLength(1, 1))
	require.Equal(t, 2, s.NumBlocks(1))
}

func TestAddBlockRejectsMisalignedOffsetAndWrongLength(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	_, err := s.AddBlock(0, 1, []byte("aaaa"))
	require.Error(t, err)

	_, err = s.AddBlock(0, 0, []byte("aaa"))
	require.Error(t, err)
}

func TestCheckHashThenCommitVerifiedCompletesPiece(t *testing.T) {
	info, pieces := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	_, err := s.AddBlock(0, 0, pieces[0][:4])
	require.NoError(t, err)
	_, err = s.AddBlock(0, 4, pieces[0][4:])
	require.NoError(t, err)

	matched, data, err := s.CheckHash(0)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, pieces[0], data)

	// Hash matched but not yet committed: still not counted as verified.
	require.Equal(t, CompleteUnverified, s.PieceStatus(0))
	require.False(t, s.HasPiece(0))
	require.Equal(t, 0, s.VerifiedCount())

	require.NoError(t, s.CommitVerified(0))
	require.Equal(t, Verified, s.PieceStatus(0))
	require.True(t, s.HasPiece(0))
	require.Equal(t, 1, s.VerifiedCount())
}

func TestCheckHashMismatchFailsAndResetsForRedownload(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	_, err := s.AddBlock(0, 0, []byte("xxxx"))
	require.NoError(t, err)
	_, err = s.AddBlock(0, 4, []byte("xxxx"))
	require.NoError(t, err)

	matched, data, err := s.CheckHash(0)
	require.NoError(t, err)
	require.False(t, matched)
	require.Nil(t, data)
	require.Equal(t, Failed, s.PieceStatus(0))
	require.False(t, s.HasPiece(0))

	// Failed pieces are eligible for re-download from scratch.
	require.Len(t, s.MissingBlocks(0), 2)
	status, err := s.AddBlock(0, 0, []byte("aaaa"))
	require.NoError(t, err)
	require.Equal(t, InProgress, status)
}

func TestCommitVerifiedRequiresPriorCheckHash(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	require.Error(t, s.CommitVerified(0))
}

func TestCheckHashRequiresCompleteUnverified(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	_, _, err := s.CheckHash(0)
	require.Error(t, err)
}

// TestVerifyRehashPathCommitsInSingleStep exercises the single-phase Verify
// used when rehashing bytes already durably present in a sink (no interposed
// sink write is needed).
func TestVerifyRehashPathCommitsInSingleStep(t *testing.T) {
	info, pieces := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	_, err := s.AddBlock(0, 0, pieces[0][:4])
	require.NoError(t, err)
	_, err = s.AddBlock(0, 4, pieces[0][4:])
	require.NoError(t, err)

	status, err := s.Verify(0)
	require.NoError(t, err)
	require.Equal(t, Verified, status)
	require.True(t, s.HasPiece(0))
	require.Equal(t, 1, s.VerifiedCount())
}

func TestRestoreVerifiedFastForwardsWithoutBytes(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	s.RestoreVerified([]uint{1})

	require.True(t, s.HasPiece(1))
	require.Equal(t, Verified, s.PieceStatus(1))
	require.Equal(t, 1, s.VerifiedCount())
	require.Equal(t, []int{0}, s.MissingPieces())
	require.False(t, s.Complete())
}

func TestCompleteAndProgressTrackVerifiedCount(t *testing.T) {
	info, pieces := twoPieceTorrent(t)
	s := New(info, 4, zap.NewNop().Sugar())

	require.Equal(t, float64(0), s.Progress())

	for i, content := range pieces {
		n := s.NumBlocks(i)
		for b := 0; b < n; b++ {
			start := int64(b) * 4
			end := start + s.BlockLength(i, b)
			_, err := s.AddBlock(i, start, content[start:end])
			require.NoError(t, err)
		}
		matched, _, err := s.CheckHash(i)
		require.NoError(t, err)
		require.True(t, matched)
		require.NoError(t, s.CommitVerified(i))
	}

	require.True(t, s.Complete())
	require.Equal(t, float64(1), s.Progress())
	require.Empty(t, s.MissingPieces())
}
