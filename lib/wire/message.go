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

// Package wire implements the peer wire codec: a fixed handshake followed by
// length-prefixed messages, exactly as a classic BitTorrent client frames
// them on the byte level. conn.Message in the teacher repo frames a protobuf
// payload behind the same 4-byte length prefix; this spec has no protobuf
// dependency (and no gen/go/proto/p2p equivalent), so the length prefix here
// wraps a 1-byte message id and a raw payload instead, in the shape
// jmatss-torc-go's util/bittorrent constants describe.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a post-handshake message type.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// DefaultBlockSize is this spec's block size B, used to size the frame
// ceiling below.
const DefaultBlockSize = 16 * 1024

// maxFrameLength bounds a single message's payload length, independent of
// piece length L: reject any frame claiming to carry more than this many
// bytes, per the spec's "L+13 or 2^17+13, whichever is larger" framing rule.
// The caller that knows the negotiated piece length applies the larger of
// the two bounds via MaxPayloadLen; this constant is the lowest ceiling
// MaxPayloadLen ever returns.
const maxFrameLength = 1<<17 + 13

// MaxPayloadLen returns the larger of pieceLength+13 and 2^17+13, the
// message-size ceiling a session enforces once it knows the torrent's piece
// length.
func MaxPayloadLen(pieceLength int64) int64 {
	bound := pieceLength + 13
	if bound < maxFrameLength {
		return maxFrameLength
	}
	return bound
}

// Message is one post-handshake wire message: an id plus its raw payload.
// Choke/Unchoke/Interested/NotInterested carry no payload. A zero-length
// frame (no id byte at all) is a keep-alive; ReadFrame reports it with
// ok=false rather than as a Message.
type Message struct {
	ID      ID
	Payload []byte
}

// KeepAlive names a zero-length keep-alive frame. ReadFrame never returns
// one; it reports a keep-alive by returning ok=false.
type KeepAlive struct{}

// NewHave builds a Have message for piece index i.
func NewHave(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{ID: Have, Payload: p}
}

// NewBitfield builds a Bitfield message from its MSB-first encoded bytes.
func NewBitfield(encoded []byte) Message {
	return Message{ID: Bitfield, Payload: encoded}
}

// NewRequest builds a Request (or, with the same shape, Cancel) message.
func NewRequest(id ID, index, begin, length uint32) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return Message{ID: id, Payload: p}
}

// NewPiece builds a Piece message carrying block bytes.
func NewPiece(index, begin uint32, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return Message{ID: Piece, Payload: p}
}

// ParseRequest decodes a Request/Cancel payload.
func ParseRequest(m Message) (index, begin, length uint32, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload length %d, want 12", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		nil
}

// ParseHave decodes a Have payload.
func ParseHave(m Message) (index uint32, err error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload length %d, want 4", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParsePiece decodes a Piece payload into its index, begin offset and block
// bytes. The returned slice aliases m.Payload.
func ParsePiece(m Message) (index, begin uint32, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload length %d, want >= 8", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		nil
}

// WriteMessage frames and writes msg: a 4-byte big-endian length (1 + len(payload))
// followed by the id byte and the payload.
func WriteMessage(w io.Writer, msg Message) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(1+len(msg.Payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write([]byte{byte(msg.ID)}); err != nil {
		return fmt.Errorf("write message id: %w", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var lenBuf [4]byte
	_, err := w.Write(lenBuf[:])
	if err != nil {
		return fmt.Errorf("write keep-alive: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. A zero-length frame (keep-alive) is
// reported by returning ok=false with a nil error and a zero Message.
func ReadFrame(r io.Reader, maxPayloadLen int64) (msg Message, ok bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, false, nil
	}
	if int64(length)-1 > maxPayloadLen {
		return Message{}, false, fmt.Errorf("wire: frame length %d exceeds max %d", length, maxPayloadLen)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return Message{}, false, fmt.Errorf("read message id: %w", err)
	}
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, false, fmt.Errorf("read payload: %w", err)
		}
	}
	return Message{ID: ID(idBuf[0]), Payload: payload}, true, nil
}
