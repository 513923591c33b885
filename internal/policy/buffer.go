// Package policy implements the low-level diffusion navigation policy: the
// observation context window, the reverse-diffusion action sampler and the
// waypoint selector. The network forward passes are injected through the
// Network interface.
package policy

import (
	"image"
	"sync"
	"time"
)

// Frame is a camera observation or subgoal image. Encoded holds the bytes the
// image arrived as and is what gets logged and sent to the subgoal service.
type Frame struct {
	Image      image.Image
	Encoded    []byte
	CapturedAt time.Time
}

// ContextBuffer is the fixed-capacity FIFO of recent observations. It holds at
// most contextSize+1 frames and is safe for a concurrent writer and reader.
type ContextBuffer struct {
	mu          sync.RWMutex
	frames      []Frame
	contextSize int
}

// NewContextBuffer creates a buffer for a model with the given context size.
func NewContextBuffer(contextSize int) *ContextBuffer {
	if contextSize < 0 {
		contextSize = 0
	}
	return &ContextBuffer{
		frames:      make([]Frame, 0, contextSize+1),
		contextSize: contextSize,
	}
}

// Push appends f, evicting the oldest frame first when the buffer is full.
func (b *ContextBuffer) Push(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.contextSize+1 {
		copy(b.frames, b.frames[1:])
		b.frames[len(b.frames)-1] = f
		return
	}
	b.frames = append(b.frames, f)
}

// Ready reports whether the buffer holds a full context window.
func (b *ContextBuffer) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames) > b.contextSize
}

// Len returns the number of buffered frames.
func (b *ContextBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Capacity returns contextSize+1.
func (b *ContextBuffer) Capacity() int {
	return b.contextSize + 1
}

// Window returns a copy of the buffered frames, oldest first.
func (b *ContextBuffer) Window() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// Latest returns the most recently pushed frame.
func (b *ContextBuffer) Latest() (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.frames) == 0 {
		return Frame{}, false
	}
	return b.frames[len(b.frames)-1], true
}
