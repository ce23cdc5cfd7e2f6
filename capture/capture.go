// Package capture reads frames from OpenCV video sources.
package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"gocv.io/x/gocv"
)

const (
	StandardCameraKind = "StandardCamera"
	VideoKind          = "Video"
	IpCameraKind       = "IpCamera"
	ImageKind          = "Image"
)

// maxReadFailures is how many consecutive empty reads a live source may
// return before it is treated as exhausted.
const maxReadFailures = 30

// Native returns the OpenCV matrix behind a captured frame. The frame owns
// it; the matrix is closed with the frame's last reference.
func Native(frame *model.Frame) (*gocv.Mat, bool) {
	m, ok := frame.Native.(*gocv.Mat)
	return m, ok && m != nil
}

// newFrame wraps img, taking ownership of it.
func newFrame(source string, img gocv.Mat) (*model.Frame, error) {
	pic, err := img.ToImage()
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return model.NewFrame(source, pic, &img), nil
}

type videoInput struct {
	name     string
	source   string
	live     bool
	mu       sync.Mutex
	capture  *gocv.VideoCapture
	failures int
}

func openVideo(name, source string, live bool, open func() (*gocv.VideoCapture, error)) (pipeline.Input, error) {
	vc, err := open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: capture not opened", source)
	}

	lgr.Logger.Info("capture opened",
		slog.String("input", name),
		slog.String("source", source),
		slog.Bool("live", live),
	)
	return &videoInput{name: name, source: source, live: live, capture: vc}, nil
}

// NewStandardCamera opens a local camera. input_path holds the device index
// and defaults to 0.
func NewStandardCamera(spec config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Input, error) {
	device := 0
	if path := strings.TrimSpace(spec.InputPath); path != "" {
		d, err := strconv.Atoi(path)
		if err != nil {
			return nil, fmt.Errorf("camera device %q: want an index", path)
		}
		device = d
	}
	return openVideo(name, fmt.Sprintf("camera %d", device), true, func() (*gocv.VideoCapture, error) {
		return gocv.OpenVideoCapture(device)
	})
}

// NewVideo plays a video file once.
func NewVideo(spec config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Input, error) {
	if spec.InputPath == "" {
		return nil, fmt.Errorf("video input needs input_path")
	}
	return openVideo(name, spec.InputPath, false, func() (*gocv.VideoCapture, error) {
		return gocv.VideoCaptureFile(spec.InputPath)
	})
}

// NewIpCamera opens an RTSP or HTTP stream.
func NewIpCamera(spec config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Input, error) {
	if spec.InputPath == "" {
		return nil, fmt.Errorf("ip camera input needs input_path")
	}
	return openVideo(name, spec.InputPath, true, func() (*gocv.VideoCapture, error) {
		return gocv.OpenVideoCapture(spec.InputPath)
	})
}

func (in *videoInput) Name() string {
	return in.name
}

// Read grabs the next frame. A file ends on its first empty read; a live
// source ends after maxReadFailures empty reads in a row.
func (in *videoInput) Read(ctx context.Context) (*model.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if in.capture == nil {
			return nil, io.EOF
		}

		img := gocv.NewMat()
		if ok := in.capture.Read(&img); !ok || img.Empty() {
			img.Close()
			if !in.live {
				return nil, io.EOF
			}
			in.failures++
			if in.failures >= maxReadFailures {
				lgr.Logger.Warn("capture stopped delivering frames",
					slog.String("input", in.name),
					slog.String("source", in.source),
					slog.Int("failures", in.failures),
				)
				return nil, io.EOF
			}
			continue
		}

		in.failures = 0
		return newFrame(in.name, img)
	}
}

func (in *videoInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.capture == nil {
		return nil
	}
	err := in.capture.Close()
	in.capture = nil
	return err
}

type stillInput struct {
	name  string
	path  string
	still gocv.Mat
	image image.Image
}

// NewImage loads one picture and hands out a copy of it every cycle.
func NewImage(spec config.PipelineSpec, name string, _ pipeline.ServicesFactory) (pipeline.Input, error) {
	if spec.InputPath == "" {
		return nil, fmt.Errorf("image input needs input_path")
	}
	still := gocv.IMRead(spec.InputPath, gocv.IMReadColor)
	if still.Empty() {
		still.Close()
		return nil, fmt.Errorf("read image %s", spec.InputPath)
	}
	pic, err := still.ToImage()
	if err != nil {
		still.Close()
		return nil, fmt.Errorf("convert image %s: %w", spec.InputPath, err)
	}
	return &stillInput{name: name, path: spec.InputPath, still: still, image: pic}, nil
}

func (in *stillInput) Name() string {
	return in.name
}

func (in *stillInput) Read(ctx context.Context) (*model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := in.still.Clone()
	return model.NewFrame(in.name, in.image, &img), nil
}

func (in *stillInput) Close() error {
	return in.still.Close()
}

// Register adds the OpenCV input kinds.
func Register() {
	pipeline.RegisterInput(StandardCameraKind, NewStandardCamera)
	pipeline.RegisterInput(VideoKind, NewVideo)
	pipeline.RegisterInput(IpCameraKind, NewIpCamera)
	pipeline.RegisterInput(ImageKind, NewImage)
}
