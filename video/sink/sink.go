// Package sink delivers rendered frames to viewers.
package sink

import (
	"facemask/video/source"
)

// Sink defines a destination for a stream of images, such as a browser stream
// or a preview window.
type Sink interface {
	// Put inserts an image to the sink. The caller keeps ownership of the
	// image; the sink must not hold on to its Mat.
	Put(input source.Image)

	// Close should be called to finalize the Sink.
	Close()
}

// Multi fans one frame out to several sinks.
type Multi []Sink

func (m Multi) Put(input source.Image) {
	for _, s := range m {
		s.Put(input)
	}
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}
