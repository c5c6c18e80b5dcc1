// Package media defines the frame type that flows through the stagecast
// processing pipeline, from compositing through encoding and preview
// distribution.
package media

import (
	"image"
	"time"
)

// Frame is a raw RGBA raster at a fixed resolution for the life of a
// session. Ownership transfers down the pipeline: once handed to a
// consumer the producer must not touch Pix again, and consumers treat
// the buffer as immutable.
type Frame struct {
	Pix    []byte // RGBA, 4 bytes per pixel, stride = 4*Width
	Width  int
	Height int

	Seq       uint64
	CreatedAt time.Time
}

// NewFrame allocates a transparent frame at the given resolution.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:       make([]byte, width*height*4),
		Width:     width,
		Height:    height,
		CreatedAt: time.Now(),
	}
}

// RGBA wraps the frame's pixel buffer as an *image.RGBA without copying.
// Mutating the returned image mutates the frame.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// FromRGBA wraps an existing image as a Frame, sharing the pixel buffer.
// The image bounds must start at the origin.
func FromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	return &Frame{
		Pix:       img.Pix,
		Width:     b.Dx(),
		Height:    b.Dy(),
		CreatedAt: time.Now(),
	}
}

// Size returns the pixel buffer length in bytes.
func (f *Frame) Size() int { return len(f.Pix) }
