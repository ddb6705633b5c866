package control

import (
	"bytes"
	"sync"
	"time"
)

// Image is a frame received from a device.
type Image struct {
	Device string
	Taken  time.Time
	Data   []byte
}

// ImageBuffer keeps the most recent image.
type ImageBuffer struct {
	mu   sync.RWMutex
	last *Image
}

// Store keeps a copy of data.
func (b *ImageBuffer) Store(device string, data []byte, taken time.Time) {
	img := &Image{Device: device, Taken: taken, Data: bytes.Clone(data)}

	b.mu.Lock()
	b.last = img
	b.mu.Unlock()
}

// Last returns the latest image, or nil before the first one.
func (b *ImageBuffer) Last() *Image {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}
