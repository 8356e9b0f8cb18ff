// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shepherd

import "sync"

// DefaultRingBufferSize is the default replay buffer capacity in
// bytes. 1 MB holds several hours of typical coding agent output
// between orchestrator reconnects.
const DefaultRingBufferSize = 1024 * 1024

// ringBuffer is a fixed-size circular buffer holding the most recent
// worker output. It preserves terminal escape sequences byte-for-byte
// so a reconnecting orchestrator can replay full-fidelity history.
//
// The buffer survives worker relaunches: a SPAWN reuses the same
// terminal surface, so output from the previous worker run remains
// meaningful context and is retained until overwritten.
//
// All methods are safe for concurrent use.
type ringBuffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next position to write within the circular
	// buffer (0 to capacity-1).
	writePosition int
	// totalWritten is the total number of bytes ever written. The
	// stored span covers the last min(totalWritten, capacity) bytes.
	totalWritten uint64
}

// newRingBuffer creates a ring buffer with the given capacity in
// bytes. Use DefaultRingBufferSize for the standard 1 MB buffer.
func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes to the ring buffer, overwriting the oldest data
// when the buffer is full.
func (ring *ringBuffer) Write(data []byte) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	// Writes larger than the whole buffer leave only their tail.
	if len(data) > ring.capacity {
		ring.totalWritten += uint64(len(data) - ring.capacity)
		data = data[len(data)-ring.capacity:]
	}

	for offset := 0; offset < len(data); {
		available := ring.capacity - ring.writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(ring.data[ring.writePosition:ring.writePosition+copyLength], data[offset:offset+copyLength])
		ring.writePosition = (ring.writePosition + copyLength) % ring.capacity
		offset += copyLength
	}
	ring.totalWritten += uint64(len(data))
}

// Snapshot returns a copy of everything currently retained, oldest
// byte first. This is the replay payload a WELCOME frame carries.
// Returns an empty (non-nil) slice when nothing has been written.
func (ring *ringBuffer) Snapshot() []byte {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	storedLength := ring.totalWritten
	if storedLength > uint64(ring.capacity) {
		storedLength = uint64(ring.capacity)
	}

	result := make([]byte, storedLength)

	// writePosition points at the next write slot; stored data ends
	// there and wraps backwards.
	readPosition := (ring.writePosition - int(storedLength)) % ring.capacity
	if readPosition < 0 {
		readPosition += ring.capacity
	}

	for copied := 0; copied < int(storedLength); {
		available := ring.capacity - readPosition
		copyLength := int(storedLength) - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], ring.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % ring.capacity
		copied += copyLength
	}

	return result
}

// TotalWritten returns the total number of bytes ever written through
// the buffer, including bytes since overwritten.
func (ring *ringBuffer) TotalWritten() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.totalWritten
}
