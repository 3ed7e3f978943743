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
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	msg := NewRequest(Request, 3, 16384, 16384)
	require.NoError(WriteMessage(&buf, msg))

	got, ok, err := ReadFrame(&buf, MaxPayloadLen(1<<20))
	require.NoError(err)
	require.True(ok)
	require.Equal(msg, got)
}

func TestReadFrameKeepAlive(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteKeepAlive(&buf))

	_, ok, err := ReadFrame(&buf, MaxPayloadLen(1<<20))
	require.NoError(err)
	require.False(ok)
}

func TestReadFrameRejectsOversizeFrame(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	block := make([]byte, 1<<18)
	msg := NewPiece(0, 0, block)
	require.NoError(WriteMessage(&buf, msg))

	_, _, err := ReadFrame(&buf, MaxPayloadLen(1<<14))
	require.Error(err)
}

func TestParseRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	msg := NewRequest(Request, 1, 2, 16384)
	index, begin, length, err := ParseRequest(msg)
	require.NoError(err)
	require.Equal(uint32(1), index)
	require.Equal(uint32(2), begin)
	require.Equal(uint32(16384), length)
}

func TestParseRequestRejectsWrongLength(t *testing.T) {
	require := require.New(t)

	_, _, _, err := ParseRequest(Message{ID: Request, Payload: []byte{1, 2, 3}})
	require.Error(err)
}

func TestParseHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	msg := NewHave(42)
	index, err := ParseHave(msg)
	require.NoError(err)
	require.Equal(uint32(42), index)
}

func TestParsePieceRoundTrip(t *testing.T) {
	require := require.New(t)

	block := []byte("hello block")
	msg := NewPiece(7, 16384, block)
	index, begin, got, err := ParsePiece(msg)
	require.NoError(err)
	require.Equal(uint32(7), index)
	require.Equal(uint32(16384), begin)
	require.Equal(block, got)
}

func TestMaxPayloadLenUsesTheLargerBound(t *testing.T) {
	require := require.New(t)

	require.Equal(int64(maxFrameLength), MaxPayloadLen(1024))
	require.Equal(int64(1<<20+13), MaxPayloadLen(1<<20))
}
