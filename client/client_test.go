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
package client

import (
	"crypto/sha1"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/storage/localsink"
	"github.com/arimatsu/torrentcore/mocks/client"
)

func noopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func twoPieceTorrentInfo(t *testing.T, pieceLen int64) (*core.TorrentInfo, []byte) {
	content := make([]byte, pieceLen*2)
	for i := range content {
		content[i] = byte(i)
	}
	h0 := sha1.Sum(content[:pieceLen])
	h1 := sha1.Sum(content[pieceLen:])
	info, err := core.NewTorrentInfo(
		core.InfoHash{9, 9, 9},
		pieceLen,
		[][20]byte{h0, h1},
		[]core.FileInfo{{Path: "data.bin", Length: int64(len(content))}},
	)
	require.NoError(t, err)
	return info, content
}

// staticPeerSource always offers a single fixed candidate.
type staticPeerSource struct {
	cand PeerCandidate
	once bool
}

func (s *staticPeerSource) Poll() ([]PeerCandidate, error) {
	if s.once {
		return nil, nil
	}
	s.once = true
	return []PeerCandidate{s.cand}, nil
}

func freeListenAddr(t *testing.T) (port int) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestCompleteDownloadOverLoopback(t *testing.T) {
	const pieceLen = 8
	info, content := twoPieceTorrentInfo(t, pieceLen)

	seedDir := t.TempDir()
	require.NoError(t, os.MkdirAll(seedDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "data.bin"), content, 0644))
	seedSink := localsink.New(localsink.Config{OutputDir: seedDir}, noopLogger())

	leechSink := localsink.New(localsink.Config{OutputDir: t.TempDir()}, noopLogger())

	seedPort := freeListenAddr(t)
	seedID, err := core.RandomPeerID()
	require.NoError(t, err)
	leechID, err := core.RandomPeerID()
	require.NoError(t, err)

	seed, err := New(info, seedSink, &staticPeerSource{}, seedID,
		Config{ListenPort: seedPort}, tally.NewTestScope("seed", nil), noopLogger())
	require.NoError(t, err)
	require.True(t, seed.IsComplete())
	require.NoError(t, seed.Start())
	defer seed.Shutdown()

	leechSource := &staticPeerSource{cand: PeerCandidate{
		Addr:   fmt.Sprintf("127.0.0.1:%d", seedPort),
		PeerID: seedID,
	}}
	leech, err := New(info, leechSink, leechSource, leechID,
		Config{
			ListenPort:       freeListenAddr(t),
			PeerPollInterval: 10 * time.Millisecond,
			SweepInterval:    10 * time.Millisecond,
		}, tally.NewTestScope("leech", nil), noopLogger())
	require.NoError(t, err)
	require.False(t, leech.IsComplete())
	require.NoError(t, leech.Start())
	defer leech.Shutdown()

	select {
	case <-leech.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	require.True(t, leech.IsComplete())
	require.Equal(t, 2, leech.VerifiedPieceCount())
}

func TestPollOnceSkipsDialOnSourceError(t *testing.T) {
	info, _ := twoPieceTorrentInfo(t, 8)
	sink := localsink.New(localsink.Config{OutputDir: t.TempDir()}, noopLogger())
	id, err := core.RandomPeerID()
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	source := mockclient.NewMockPeerSource(ctrl)
	source.EXPECT().Poll().Return(nil, fmt.Errorf("tracker unreachable"))

	c, err := New(info, sink, source, id,
		Config{ListenPort: freeListenAddr(t)}, tally.NewTestScope("pollerr", nil), noopLogger())
	require.NoError(t, err)

	c.pollOnce()
	require.Equal(t, 0, c.peers.NumActive())
}

func TestShutdownIsIdempotent(t *testing.T) {
	info, _ := twoPieceTorrentInfo(t, 8)
	sink := localsink.New(localsink.Config{OutputDir: t.TempDir()}, noopLogger())
	id, err := core.RandomPeerID()
	require.NoError(t, err)

	c, err := New(info, sink, &staticPeerSource{}, id,
		Config{ListenPort: freeListenAddr(t)}, tally.NewTestScope("idempotent", nil), noopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	c.Shutdown()
	c.Shutdown()
}

func TestCheckpointWritesResumeLog(t *testing.T) {
	const pieceLen = 8
	info, content := twoPieceTorrentInfo(t, pieceLen)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), content, 0644))
	sink := localsink.New(localsink.Config{OutputDir: dir}, noopLogger())
	id, err := core.RandomPeerID()
	require.NoError(t, err)

	resumePath := filepath.Join(t.TempDir(), ".resume")
	c, err := New(info, sink, &staticPeerSource{}, id,
		Config{ListenPort: freeListenAddr(t), ResumeLogPath: resumePath},
		tally.NewTestScope("resume", nil), noopLogger())
	require.NoError(t, err)
	require.True(t, c.IsComplete())
	c.checkpoint()

	require.FileExists(t, resumePath)
}
