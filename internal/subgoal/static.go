package subgoal

import (
	"context"
	"image"
	"image/color"

	"github.com/banshee-data/navpolicy/internal/imaging"
	"github.com/banshee-data/navpolicy/internal/policy"
)

// Static returns the same synthetic subgoal on every call. It replaces the
// remote service in dev mode.
type Static struct {
	goal policy.Frame
}

// NewStatic builds a flat grey subgoal of the given size.
func NewStatic(width, height int) (*Static, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	grey := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, grey)
		}
	}
	encoded, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	return &Static{goal: policy.Frame{Image: img, Encoded: encoded}}, nil
}

func (s *Static) Fetch(ctx context.Context, _ policy.Frame) (policy.Frame, error) {
	if err := ctx.Err(); err != nil {
		return policy.Frame{}, err
	}
	return s.goal, nil
}
