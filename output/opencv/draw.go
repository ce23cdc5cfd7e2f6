// Package opencv holds the sinks that render with OpenCV.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"gocv.io/x/gocv"
)

const (
	ImageWindowKind   = "ImageWindow"
	ImageFileKind     = "ImageFile"
	VideoRecorderKind = "VideoRecorder"
)

var (
	boxColor  = color.RGBA{G: 255, A: 255}
	textColor = color.RGBA{R: 255, G: 255, A: 255}
)

// Register adds the OpenCV sinks.
func Register() {
	pipeline.RegisterOutput(ImageWindowKind, pipeline.OutputCaps{Frames: true, Results: true}, NewImageWindow)
	pipeline.RegisterOutput(ImageFileKind, pipeline.OutputCaps{Results: true}, NewImageFile)
	pipeline.RegisterOutput(VideoRecorderKind, pipeline.OutputCaps{Frames: true, Results: true}, NewVideoRecorder)
}

// copyMat returns a matrix the caller owns and may draw on.
func copyMat(frame *model.Frame) (gocv.Mat, error) {
	if frame == nil {
		return gocv.Mat{}, errors.New("no frame")
	}
	if native, ok := frame.Native.(*gocv.Mat); ok && native != nil && !native.Empty() {
		return native.Clone(), nil
	}
	if frame.Image == nil {
		return gocv.Mat{}, errors.New("frame has no pixels")
	}
	return gocv.ImageToMatRGB(frame.Image)
}

// annotate draws a labeled box per detection.
func annotate(mat *gocv.Mat, dets []model.DetectionResult) {
	for _, det := range dets {
		rect := det.Region.Rect()
		gocv.Rectangle(mat, rect, boxColor, 2)

		caption := fmt.Sprintf("%s %.0f%%", det.Label, det.Confidence*100)
		origin := image.Pt(rect.Min.X, rect.Min.Y-5)
		if origin.Y < 10 {
			origin.Y = rect.Min.Y + 15
		}
		gocv.PutText(mat, caption, origin, gocv.FontHersheySimplex, 0.5, textColor, 1)
	}
}
