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
package resume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/bitfield"
)

func TestWriteReadRoundTrip(t *testing.T) {
	infoHash := core.InfoHash{1, 2, 3}
	bf := bitfield.New(10)
	bf.Set(0, true)
	bf.Set(3, true)
	bf.Set(9, true)

	state := State{
		InfoHash: infoHash,
		Bitfield: bf,
		Sessions: []UploadSession{
			{FileIndex: 0, CurrentOffset: 512, TotalSize: 1024, URL: "https://example.com/upload/abc"},
		},
	}

	path := filepath.Join(t.TempDir(), ".resume")
	require.NoError(t, Write(path, state))
	require.True(t, Exists(path))

	got, err := Read(path, infoHash)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, bf.Encode(), got.Bitfield.Encode())
	require.Equal(t, state.Sessions, got.Sessions)
}

func TestReadRejectsInfoHashMismatch(t *testing.T) {
	bf := bitfield.New(4)
	path := filepath.Join(t.TempDir(), ".resume")
	require.NoError(t, Write(path, State{InfoHash: core.InfoHash{1}, Bitfield: bf}))

	_, err := Read(path, core.InfoHash{2})
	require.Error(t, err)
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".resume")
	require.NoError(t, os.WriteFile(path, []byte("XXXXnonsense"), 0644))

	_, err := Read(path, core.InfoHash{})
	require.Error(t, err)
}

func TestWriteIsAtomicAcrossRewrite(t *testing.T) {
	infoHash := core.InfoHash{7}
	bf := bitfield.New(2)
	path := filepath.Join(t.TempDir(), ".resume")

	require.NoError(t, Write(path, State{InfoHash: infoHash, Bitfield: bf}))
	bf.Set(0, true)
	require.NoError(t, Write(path, State{InfoHash: infoHash, Bitfield: bf}))

	got, err := Read(path, infoHash)
	require.NoError(t, err)
	require.True(t, got.Bitfield.Has(0))
}
