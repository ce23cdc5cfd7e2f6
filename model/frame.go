package model

import (
	"image"
	"io"
	"sync/atomic"
	"time"
)

var frameSeq atomic.Uint64

// NextFrameSeq returns a process-wide monotonic frame sequence id.
func NextFrameSeq() uint64 {
	return frameSeq.Add(1)
}

// Frame is a captured picture shared read-only by every consumer of a cycle.
// It is reference counted: the native buffer is closed when the last holder
// releases it.
type Frame struct {
	Source    string
	Seq       uint64
	Width     int
	Height    int
	Image     image.Image
	Native    any
	Timestamp time.Time

	refs atomic.Int32
}

// NewFrame wraps a captured image. The returned frame holds one reference
// that belongs to the caller.
func NewFrame(source string, img image.Image, native any) *Frame {
	b := img.Bounds()
	f := &Frame{
		Source:    source,
		Seq:       NextFrameSeq(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Image:     img,
		Native:    native,
		Timestamp: time.Now(),
	}
	f.refs.Store(1)
	return f
}

func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

func (f *Frame) Release() {
	if f.refs.Add(-1) != 0 {
		return
	}
	if closer, ok := f.Native.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Released reports whether every reference has been released.
func (f *Frame) Released() bool {
	return f.refs.Load() <= 0
}

func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// FullRegion covers the whole frame.
func (f *Frame) FullRegion() FrameRegion {
	return FrameRegion{X: 0, Y: 0, W: f.Width, H: f.Height, FrameSeq: f.Seq}
}

// FrameRegion is a rectangle in a frame's coordinate space.
type FrameRegion struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	W        int    `json:"w"`
	H        int    `json:"h"`
	FrameSeq uint64 `json:"frameSeq"`
}

func RegionFromRect(r image.Rectangle, seq uint64) FrameRegion {
	return FrameRegion{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy(), FrameSeq: seq}
}

func (r FrameRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

func (r FrameRegion) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersect clips the region to bounds.
func (r FrameRegion) Intersect(bounds image.Rectangle) FrameRegion {
	return RegionFromRect(r.Rect().Intersect(bounds), r.FrameSeq)
}
