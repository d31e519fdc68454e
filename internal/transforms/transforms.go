// Package transforms implements the image preprocessing used by the
// contrastive patch encoder: per-channel normalisation, shorter-side resize,
// centre crop and overlapping patch extraction.
//
// All transforms operate on data.Sample values holding a (c, h, w) float32
// image, except Patchify which turns one into (patches, c, size, size).
package transforms

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/born-ml/bolts/data"
)

// Normalize subtracts mean and divides by std per channel.
func Normalize(mean, std []float32) data.Transform {
	return func(s data.Sample) (data.Sample, error) {
		c, h, w, err := chw(s)
		if err != nil {
			return data.Sample{}, err
		}
		if len(mean) != c || len(std) != c {
			return data.Sample{}, fmt.Errorf("normalize: %d channels, got %d means and %d stds", c, len(mean), len(std))
		}
		out := make([]float32, len(s.Image))
		plane := h * w
		for ch := 0; ch < c; ch++ {
			m, sd := mean[ch], std[ch]
			for i := ch * plane; i < (ch+1)*plane; i++ {
				out[i] = (s.Image[i] - m) / sd
			}
		}
		return data.Sample{Image: out, Shape: []int{c, h, w}, Label: s.Label}, nil
	}
}

// Resize scales the image so its shorter side equals size, keeping the
// aspect ratio. Pixel values are expected in [0, 1].
func Resize(size int) data.Transform {
	return func(s data.Sample) (data.Sample, error) {
		c, h, w, err := chw(s)
		if err != nil {
			return data.Sample{}, err
		}
		if c != 3 && c != 1 {
			return data.Sample{}, fmt.Errorf("resize: unsupported channel count %d", c)
		}
		nh, nw := size, size
		if h < w {
			nw = w * size / h
		} else if w < h {
			nh = h * size / w
		}
		if nh == h && nw == w {
			return s, nil
		}

		src := toImage(s.Image, c, h, w)
		dst := image.NewNRGBA64(image.Rect(0, 0, nw, nh))
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return data.Sample{Image: fromImage(dst, c), Shape: []int{c, nh, nw}, Label: s.Label}, nil
	}
}

// CenterCrop cuts a size x size window from the middle of the image.
func CenterCrop(size int) data.Transform {
	return func(s data.Sample) (data.Sample, error) {
		c, h, w, err := chw(s)
		if err != nil {
			return data.Sample{}, err
		}
		if h < size || w < size {
			return data.Sample{}, fmt.Errorf("center crop: image %dx%d smaller than %d", h, w, size)
		}
		top := (h - size) / 2
		left := (w - size) / 2
		out := make([]float32, 0, c*size*size)
		for ch := 0; ch < c; ch++ {
			for y := top; y < top+size; y++ {
				row := ch*h*w + y*w
				out = append(out, s.Image[row+left:row+left+size]...)
			}
		}
		return data.Sample{Image: out, Shape: []int{c, size, size}, Label: s.Label}, nil
	}
}

// GridSide returns the number of patches along one side of an extent x extent
// image cut into size x size patches every step pixels.
func GridSide(extent, size, step int) int {
	if size > extent || step <= 0 {
		return 0
	}
	return (extent-size)/step + 1
}

// Patchify cuts the image into overlapping size x size patches taken every
// step pixels, row-major over the patch grid. The result has shape
// (patches, c, size, size).
func Patchify(size, step int) data.Transform {
	return func(s data.Sample) (data.Sample, error) {
		c, h, w, err := chw(s)
		if err != nil {
			return data.Sample{}, err
		}
		if size <= 0 || step <= 0 {
			return data.Sample{}, fmt.Errorf("patchify: invalid size %d or step %d", size, step)
		}
		gh, gw := GridSide(h, size, step), GridSide(w, size, step)
		if gh == 0 || gw == 0 {
			return data.Sample{}, fmt.Errorf("patchify: image %dx%d smaller than patch %d", h, w, size)
		}

		out := make([]float32, 0, gh*gw*c*size*size)
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				for ch := 0; ch < c; ch++ {
					for y := py * step; y < py*step+size; y++ {
						row := ch*h*w + y*w + px*step
						out = append(out, s.Image[row:row+size]...)
					}
				}
			}
		}
		return data.Sample{Image: out, Shape: []int{gh * gw, c, size, size}, Label: s.Label}, nil
	}
}

func chw(s data.Sample) (c, h, w int, err error) {
	if len(s.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("expected (c, h, w) image, got shape %v", s.Shape)
	}
	c, h, w = s.Shape[0], s.Shape[1], s.Shape[2]
	if c*h*w != len(s.Image) {
		return 0, 0, 0, fmt.Errorf("shape %v does not match %d values", s.Shape, len(s.Image))
	}
	return c, h, w, nil
}

func toImage(pix []float32, c, h, w int) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r := to16(pix[i])
			g, b := r, r
			if c == 3 {
				g = to16(pix[plane+i])
				b = to16(pix[2*plane+i])
			}
			img.SetNRGBA64(x, y, color.NRGBA64{R: r, G: g, B: b, A: 0xffff})
		}
	}
	return img
}

func fromImage(img *image.NRGBA64, c int) []float32 {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	out := make([]float32, c*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := img.NRGBA64At(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			out[i] = float32(px.R) / 0xffff
			if c == 3 {
				out[plane+i] = float32(px.G) / 0xffff
				out[2*plane+i] = float32(px.B) / 0xffff
			}
		}
	}
	return out
}

func to16(v float32) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
