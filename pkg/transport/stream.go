// Copyright (C) 2025 ScyllaDB

package transport

import (
	"math"
	"math/bits"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
)

const (
	bucketSize = 64
	buckets    = maxStreams / bucketSize
)

// streamAllocator hands out the lowest free stream id below limit.
// It is not safe for concurrent use.
type streamAllocator struct {
	used  [buckets]uint64
	limit int
	inUse int
}

func newStreamAllocator(limit int) streamAllocator {
	return streamAllocator{limit: limit}
}

func (s *streamAllocator) Alloc() (frame.StreamID, error) {
	if s.inUse >= s.limit {
		return 0, ErrStreamsExhausted
	}
	for blockID, block := range &s.used {
		if block == math.MaxUint64 {
			continue
		}
		offset := bits.TrailingZeros64(^block)
		id := blockID*bucketSize + offset
		if id >= s.limit {
			break
		}
		s.used[blockID] |= 1 << offset
		s.inUse++
		return frame.StreamID(id), nil
	}
	return 0, ErrStreamsExhausted
}

// Free returns id to the pool and reports whether it was allocated.
func (s *streamAllocator) Free(id frame.StreamID) bool {
	if id < 0 || int(id) >= s.limit {
		return false
	}
	blockID := int(id) / bucketSize
	mask := uint64(1) << (int(id) % bucketSize)
	if s.used[blockID]&mask == 0 {
		return false
	}
	s.used[blockID] &^= mask
	s.inUse--
	return true
}

func (s *streamAllocator) InUse() int {
	return s.inUse
}

func (s *streamAllocator) Reset() {
	s.used = [buckets]uint64{}
	s.inUse = 0
}
