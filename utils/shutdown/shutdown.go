// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shutdown provides a context-scoped graceful shutdown sequence: a
// cancellable Context and a stack of cleanup callbacks run in LIFO order,
// exactly once, used by the client facade to stop the peer manager (closing
// its sessions) and close the listener in reverse wiring order.
package shutdown

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler owns a cancellable context and an ordered stack of cleanup
// callbacks.
type Handler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []func() error
	once     sync.Once
}

// New creates a Handler whose Context is derived from parent.
func New(parent context.Context) *Handler {
	ctx, cancel := context.WithCancel(parent)
	return &Handler{ctx: ctx, cancel: cancel}
}

// Context returns the handler's context, cancelled once Shutdown is called.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// AddCleanup registers f to run during Shutdown. Cleanups run in LIFO order,
// so the most recently wired resource is the first torn down.
func (h *Handler) AddCleanup(f func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, f)
}

// Shutdown cancels the context and runs every registered cleanup in LIFO
// order, logging (but not stopping on) individual cleanup errors. Safe to
// call more than once; only the first call has an effect.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.cancel()
		h.mu.Lock()
		cleanups := h.cleanups
		h.mu.Unlock()
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				zap.L().Sugar().Warnw("cleanup failed during shutdown", "error", err)
			}
		}
	})
}
