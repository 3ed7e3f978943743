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

// Package scheduler implements the download scheduler (C5): piece and block
// selection, the inflight block index, per-block timeouts and endgame mode.
// The interchangeable piece-selection-policy abstraction and the rarest-
// first implementation's priority-queue-over-rarity-counters approach are
// grounded on dispatch/piecerequest's pieceSelectionPolicy/rarestFirstPolicy
// pair, adapted here from whole-piece to block-level granularity.
package scheduler

import (
	"math/rand"

	"github.com/willf/bitset"

	"github.com/arimatsu/torrentcore/utils/heap"
	"github.com/arimatsu/torrentcore/utils/syncutil"
)

// Policy identifies a piece selection strategy by name.
type Policy string

const (
	// RarestFirstPolicy prefers pieces the fewest known peers hold.
	RarestFirstPolicy Policy = "rarest_first"
	// SequentialPolicy prefers the lowest-index piece, for streaming workloads.
	SequentialPolicy Policy = "sequential"
	// UniformRandomPolicy selects uniformly at random, for fairness under
	// adversarial swarms where rarity counts may be stale.
	UniformRandomPolicy Policy = "uniform_random"
)

// pieceSelector picks piece indices among candidates, in priority order.
// valid further filters a candidate (e.g. "does the current peer have it
// and is it not yet Verified").
type pieceSelector interface {
	selectPieces(limit int, valid func(i int) bool, candidates *bitset.BitSet, rarity *syncutil.Counters) []int
}

func newSelector(p Policy) pieceSelector {
	switch p {
	case SequentialPolicy:
		return sequentialSelector{}
	case UniformRandomPolicy:
		return uniformRandomSelector{}
	default:
		return rarestFirstSelector{}
	}
}

type rarestFirstSelector struct{}

func (rarestFirstSelector) selectPieces(limit int, valid func(int) bool, candidates *bitset.BitSet, rarity *syncutil.Counters) []int {
	q := heap.NewPriorityQueue()
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		q.Push(&heap.Item{Value: int(i), Priority: rarity.Get(int(i))})
	}
	pieces := make([]int, 0, limit)
	for len(pieces) < limit && q.Len() > 0 {
		item, err := q.Pop()
		if err != nil {
			break
		}
		i := item.Value.(int)
		if valid(i) {
			pieces = append(pieces, i)
		}
	}
	return pieces
}

type sequentialSelector struct{}

func (sequentialSelector) selectPieces(limit int, valid func(int) bool, candidates *bitset.BitSet, rarity *syncutil.Counters) []int {
	pieces := make([]int, 0, limit)
	for i, ok := candidates.NextSet(0); ok && len(pieces) < limit; i, ok = candidates.NextSet(i + 1) {
		if valid(int(i)) {
			pieces = append(pieces, int(i))
		}
	}
	return pieces
}

type uniformRandomSelector struct{}

func (uniformRandomSelector) selectPieces(limit int, valid func(int) bool, candidates *bitset.BitSet, rarity *syncutil.Counters) []int {
	// Reservoir sampling, grounded on dispatch/piecerequest's defaultPolicy.
	pieces := make([]int, 0, limit)
	if limit == 0 {
		return pieces
	}
	var k int
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		if !valid(int(i)) {
			continue
		}
		if len(pieces) < limit {
			pieces = append(pieces, int(i))
		} else {
			j := rand.Intn(k + 1)
			if j < limit {
				pieces[j] = int(i)
			}
		}
		k++
	}
	return pieces
}
