package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
)

const RandomFrameKind = "RandomFrame"

type randomFrameInput struct {
	name   string
	width  int
	height int
	limit  int
	count  int
	rng    *rand.Rand
}

// NewRandomFrame produces noise frames. input_path may set the size and a
// frame limit as "WxH" or "WxH:N"; the default is 640x480 without limit.
func NewRandomFrame(spec config.PipelineSpec, name string, _ ServicesFactory) (Input, error) {
	in := &randomFrameInput{
		name:   name,
		width:  640,
		height: 480,
		rng:    rand.New(rand.NewPCG(1, 2)),
	}

	path := strings.TrimSpace(spec.InputPath)
	if path == "" || !strings.Contains(path, "x") {
		return in, nil
	}

	size, limit, hasLimit := strings.Cut(path, ":")
	if _, err := fmt.Sscanf(size, "%dx%d", &in.width, &in.height); err != nil || in.width <= 0 || in.height <= 0 {
		return nil, fmt.Errorf("random frame size %q: want WxH", size)
	}
	if hasLimit {
		if _, err := fmt.Sscanf(limit, "%d", &in.limit); err != nil || in.limit < 0 {
			return nil, fmt.Errorf("random frame limit %q: want a frame count", limit)
		}
	}
	return in, nil
}

func (in *randomFrameInput) Name() string {
	return in.name
}

func (in *randomFrameInput) Read(ctx context.Context) (*model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.limit > 0 && in.count >= in.limit {
		return nil, io.EOF
	}
	in.count++

	img := image.NewRGBA(image.Rect(0, 0, in.width, in.height))
	for i := 0; i < len(img.Pix); i += 4 {
		v := in.rng.Uint32()
		img.Pix[i] = uint8(v)
		img.Pix[i+1] = uint8(v >> 8)
		img.Pix[i+2] = uint8(v >> 16)
		img.Pix[i+3] = 0xff
	}
	return model.NewFrame(in.name, img, nil), nil
}

func (in *randomFrameInput) Close() error {
	return nil
}

func init() {
	RegisterInput(RandomFrameKind, NewRandomFrame)
}
