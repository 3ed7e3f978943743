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
package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arimatsu/torrentcore/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	var infoHash core.InfoHash
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))

	h := Handshake{InfoHash: infoHash, PeerID: peerID}

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, h))
	require.Equal(HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf, infoHash)
	require.NoError(err)
	require.Equal(h, got)
}

func TestReadHandshakeRejectsInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	var infoHash, otherHash core.InfoHash
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(otherHash[:], bytes.Repeat([]byte{0xCD}, 20))

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, Handshake{InfoHash: infoHash, PeerID: peerID}))

	_, err = ReadHandshake(&buf, otherHash)
	require.Error(err)
}

func TestReadHandshakeRejectsBadProtocolLength(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	buf.WriteByte(5)
	buf.Write(bytes.Repeat([]byte{0}, 5+8+20+20))

	var infoHash core.InfoHash
	_, err := ReadHandshake(&buf, infoHash)
	require.Error(err)
}
