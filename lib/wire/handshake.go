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
	"fmt"
	"io"

	"github.com/arimatsu/torrentcore/core"
)

// protocolName is the fixed 19-byte protocol identifier, as sent and
// expected at handshake. Grounded on jmatss-torc-go's sendHandshake/
// recvHandshake pair, generalized from its single hard-coded send path into
// a symmetric Send/Read pair usable by either side of a connection.
const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake message.
const HandshakeLen = 1 + len(protocolName) + 8 + 20 + 20

// Handshake is the fixed 68-byte peer handshake.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// Encode serializes h into the wire's 68-byte handshake layout:
// <pstrlen><pstr><reserved 8 zero bytes><info_hash><peer_id>.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	ihBytes := h.InfoHash.Bytes()
	buf = append(buf, ihBytes[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// WriteHandshake writes h's wire encoding to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	if err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads and validates a 68-byte handshake from r, rejecting
// any mismatch against expectedInfoHash immediately (the spec's "Mismatched
// info-hash -> Closed" transition).
func ReadHandshake(r io.Reader, expectedInfoHash core.InfoHash) (Handshake, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("read pstrlen: %w", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string length %d", pstrlen)
	}

	rest := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("read handshake body: %w", err)
	}

	pstr := rest[:pstrlen]
	if string(pstr) != protocolName {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol string %q", pstr)
	}

	off := pstrlen + 8
	infoHashBytes := rest[off : off+20]
	expected := expectedInfoHash.Bytes()
	if !bytes.Equal(infoHashBytes, expected[:]) {
		return Handshake{}, fmt.Errorf("wire: info hash mismatch: got %x, want %s", infoHashBytes, expectedInfoHash.String())
	}
	var infoHash core.InfoHash
	copy(infoHash[:], infoHashBytes)

	var peerID core.PeerID
	copy(peerID[:], rest[off+20:off+40])

	return Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}
