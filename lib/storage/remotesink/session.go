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
package remotesink

import "sync"

// UploadSession tracks one file's resumable upload progress.
type UploadSession struct {
	FileIndex     int
	URL           string
	TotalSize     int64
	CurrentOffset int64
}

type sessionTable struct {
	mu       sync.Mutex
	sessions []*UploadSession
}

func newSessionTable(n int) *sessionTable {
	return &sessionTable{sessions: make([]*UploadSession, n)}
}

func (t *sessionTable) set(i int, s *UploadSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[i] = s
}

func (t *sessionTable) get(i int) *UploadSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

func (t *sessionTable) advance(i int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset > t.sessions[i].CurrentOffset {
		t.sessions[i].CurrentOffset = offset
	}
}

// Snapshot returns a copy of every session, for the resume log.
func (t *sessionTable) Snapshot() []UploadSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UploadSession, len(t.sessions))
	for i, s := range t.sessions {
		if s != nil {
			out[i] = *s
		}
	}
	return out
}

// Restore seeds session state from a prior run's resume log: every saved
// entry whose FileIndex is in range replaces that file's session, whatever
// its CurrentOffset. Restore opens no session itself and does not stop
// Initialize from opening one for every file.
func (t *sessionTable) Restore(saved []UploadSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range saved {
		if s.FileIndex >= 0 && s.FileIndex < len(t.sessions) {
			sc := s
			t.sessions[s.FileIndex] = &sc
		}
	}
}
