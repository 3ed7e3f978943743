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

// Package resume implements the download resume log (C6): a single binary
// file recording the verified-piece bitfield and, for a remote sink, the
// per-file upload session state, so a restarted download can skip
// already-verified pieces instead of re-fetching them.
//
// The write-to-tempfile-then-rename durability pattern is grounded on
// lib/store/base's LocalFileEntryInternal.Move, which likewise stages a
// file under a working path before atomically renaming it into its final
// location; the binary record layout itself is this spec's own RTRS format,
// not present in any teacher file.
package resume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arimatsu/torrentcore/core"
	"github.com/arimatsu/torrentcore/lib/bitfield"
)

var magic = [4]byte{'R', 'T', 'R', 'S'}

const formatVersion uint32 = 1

// UploadSession records a remote sink's per-file resumable upload progress.
type UploadSession struct {
	FileIndex     uint32
	CurrentOffset uint64
	TotalSize     uint64
	URL           string
}

// State is everything the resume log persists between runs.
type State struct {
	InfoHash core.InfoHash
	Bitfield *bitfield.Bitfield
	Sessions []UploadSession
}

// Write durably persists state to path, via a tempfile-plus-rename so a
// crash mid-write never leaves a truncated or corrupt resume file in place.
func Write(path string, state State) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return core.NewError(core.KindResume, "create_tempfile", err).WithContext(path)
	}

	w := bufio.NewWriter(f)
	writeErr := encode(w, state)
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if cerr := f.Close(); writeErr == nil {
		writeErr = cerr
	}
	if writeErr != nil {
		os.Remove(tmp)
		return core.NewError(core.KindResume, "encode", writeErr).WithContext(path)
	}

	if err := os.Rename(tmp, path); err != nil {
		return core.NewError(core.KindResume, "rename", err).WithContext(path)
	}
	return nil
}

func encode(w io.Writer, state State) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	if _, err := w.Write(state.InfoHash[:]); err != nil {
		return err
	}
	numPieces := uint32(state.Bitfield.Len())
	if err := binary.Write(w, binary.LittleEndian, numPieces); err != nil {
		return err
	}
	if _, err := w.Write(state.Bitfield.Encode()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(state.Sessions))); err != nil {
		return err
	}
	for _, s := range state.Sessions {
		if err := binary.Write(w, binary.LittleEndian, s.FileIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.CurrentOffset); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.TotalSize); err != nil {
			return err
		}
		if len(s.URL) > 1<<16-1 {
			return fmt.Errorf("resume: upload url too long (%d bytes)", len(s.URL))
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(s.URL))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, s.URL); err != nil {
			return err
		}
	}
	return nil
}

// Read loads and validates a resume log written by Write. The caller
// supplies expectedInfoHash so a resume file from a different torrent is
// rejected rather than silently mismatched against the wrong bitfield.
func Read(path string, expectedInfoHash core.InfoHash) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, core.NewError(core.KindResume, "open", err).WithContext(path)
	}
	defer f.Close()

	state, err := decode(bufio.NewReader(f), expectedInfoHash)
	if err != nil {
		return State{}, core.NewError(core.KindResume, "decode", err).WithContext(path)
	}
	return state, nil
}

func decode(r io.Reader, expectedInfoHash core.InfoHash) (State, error) {
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return State{}, fmt.Errorf("read magic: %w", err)
	}
	if gotMagic != magic {
		return State{}, fmt.Errorf("bad magic %q", gotMagic)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return State{}, fmt.Errorf("read version: %w", err)
	}
	if version != formatVersion {
		return State{}, fmt.Errorf("unsupported resume log version %d", version)
	}

	var infoHash core.InfoHash
	if _, err := io.ReadFull(r, infoHash[:]); err != nil {
		return State{}, fmt.Errorf("read info hash: %w", err)
	}
	if infoHash != expectedInfoHash {
		return State{}, fmt.Errorf("info hash mismatch: resume log is for a different torrent")
	}

	var numPieces uint32
	if err := binary.Read(r, binary.LittleEndian, &numPieces); err != nil {
		return State{}, fmt.Errorf("read piece count: %w", err)
	}

	bfBytes := make([]byte, (numPieces+7)/8)
	if _, err := io.ReadFull(r, bfBytes); err != nil {
		return State{}, fmt.Errorf("read bitfield: %w", err)
	}
	bf, err := bitfield.Decode(bfBytes, uint(numPieces))
	if err != nil {
		return State{}, fmt.Errorf("decode bitfield: %w", err)
	}

	var numSessions uint32
	if err := binary.Read(r, binary.LittleEndian, &numSessions); err != nil {
		return State{}, fmt.Errorf("read session count: %w", err)
	}
	sessions := make([]UploadSession, numSessions)
	for i := range sessions {
		var s UploadSession
		if err := binary.Read(r, binary.LittleEndian, &s.FileIndex); err != nil {
			return State{}, fmt.Errorf("read session %d file index: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &s.CurrentOffset); err != nil {
			return State{}, fmt.Errorf("read session %d offset: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &s.TotalSize); err != nil {
			return State{}, fmt.Errorf("read session %d total size: %w", i, err)
		}
		if s.CurrentOffset > s.TotalSize {
			return State{}, fmt.Errorf("session %d: current_offset %d exceeds total_size %d", i, s.CurrentOffset, s.TotalSize)
		}
		var urlLen uint16
		if err := binary.Read(r, binary.LittleEndian, &urlLen); err != nil {
			return State{}, fmt.Errorf("read session %d url length: %w", i, err)
		}
		urlBytes := make([]byte, urlLen)
		if _, err := io.ReadFull(r, urlBytes); err != nil {
			return State{}, fmt.Errorf("read session %d url: %w", i, err)
		}
		s.URL = string(urlBytes)
		sessions[i] = s
	}

	return State{InfoHash: infoHash, Bitfield: bf, Sessions: sessions}, nil
}

// Exists reports whether a resume log is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultPath returns the conventional resume log location alongside a
// torrent's output directory.
func DefaultPath(outputDir string) string {
	return filepath.Join(outputDir, ".resume")
}
