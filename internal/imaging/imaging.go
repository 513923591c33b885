// Package imaging turns camera frames into the normalized tensors consumed by
// the policy network.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// AspectRatio is the width:height ratio context frames are center-cropped to.
const AspectRatio = 4.0 / 3.0

// ImageNet channel statistics the encoder was trained with.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// ErrEmptyImage is returned for zero-sized inputs.
var ErrEmptyImage = errors.New("empty image")

// Tensor is a CHW float32 image tensor.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Decode decodes JPEG or PNG bytes.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes img as a JPEG at the default quality.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// CenterCropRect returns the largest AspectRatio rectangle centered in b.
func CenterCropRect(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	cw, ch := w, h
	if w > h {
		cw = int(float64(h) * AspectRatio)
		if cw > w {
			cw = w
		}
	} else {
		ch = int(float64(w) / AspectRatio)
		if ch > h {
			ch = h
		}
	}
	x0 := b.Min.X + (w-cw)/2
	y0 := b.Min.Y + (h-ch)/2
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

// Resize scales the src region of img into a width x height RGBA image.
func Resize(img image.Image, src image.Rectangle, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// Preprocess optionally center-crops img, resizes it and converts it to a
// normalized CHW tensor.
func Preprocess(img image.Image, width, height int, centerCrop bool) (Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return Tensor{}, ErrEmptyImage
	}
	if width <= 0 || height <= 0 {
		return Tensor{}, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	src := img.Bounds()
	if centerCrop {
		src = CenterCropRect(src)
	}
	rgba := Resize(img, src, width, height)

	plane := width * height
	t := Tensor{Channels: 3, Height: height, Width: width, Data: make([]float32, 3*plane)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := rgba.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(rgba.Pix[off+c]) / 255
				t.Data[c*plane+y*width+x] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}
	return t, nil
}
