package imageio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid image")

// DecodeBase64 decodes base64 text (optionally a data: URL) into an image.
func DecodeBase64(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// tolerate unpadded input
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: base64: %w", ErrInvalidImage, err)
		}
	}
	return DecodeBytes(data)
}

func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return img, nil
}

// Open reads and decodes the image file at path. Filesystem errors are
// returned unwrapped so callers can test them with os.IsNotExist.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Mode selects how a non-square image is brought to the model's square input.
type Mode string

const (
	ModeCrop Mode = "crop"
	ModePad  Mode = "pad"
)

// Normalization holds per-channel mean and standard deviation.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// CenterCrop resizes the short side to size and crops the center square,
// matching CLIP-style preprocessing.
func CenterCrop(img image.Image, size int) image.Image {
	return imaging.Fill(img, size, size, imaging.Center, imaging.CatmullRom)
}

// Letterbox scales the long side to size and centers the result on a white
// size×size canvas, keeping the whole image visible.
func Letterbox(img image.Image, size int) image.Image {
	canvas := imaging.New(size, size, color.White)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return canvas
	}
	if w >= h {
		w, h = size, max(1, h*size/w)
	} else {
		w, h = max(1, w*size/h), size
	}
	return imaging.PasteCenter(canvas, imaging.Resize(img, w, h, imaging.CatmullRom))
}

// Square brings img to size×size using mode. An empty mode crops.
func Square(img image.Image, size int, mode Mode) (image.Image, error) {
	switch mode {
	case ModeCrop, "":
		return CenterCrop(img, size), nil
	case ModePad:
		return Letterbox(img, size), nil
	default:
		return nil, fmt.Errorf("unknown resize mode %q", mode)
	}
}

// ToCHW converts a size×size image into a planar RGB float32 tensor
// normalized with n.
func ToCHW(img image.Image, size int, n Normalization) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return nil, fmt.Errorf("image is %dx%d, want %dx%d", b.Dx(), b.Dy(), size, size)
	}
	for i, s := range n.Std {
		if s == 0 {
			return nil, fmt.Errorf("std[%d] is zero", i)
		}
	}

	out := make([]float32, 3*size*size)
	rBase := 0
	gBase := size * size
	bBase := 2 * size * size

	for y := range size {
		for x := range size {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			fr := float32(r) / 65535.0
			fg := float32(g) / 65535.0
			fb := float32(bl) / 65535.0

			out[rBase] = (fr - n.Mean[0]) / n.Std[0]
			out[gBase] = (fg - n.Mean[1]) / n.Std[1]
			out[bBase] = (fb - n.Mean[2]) / n.Std[2]

			rBase++
			gBase++
			bBase++
		}
	}
	return out, nil
}

// Preprocess squares img to size with mode and returns its normalized tensor.
func Preprocess(img image.Image, size int, mode Mode, n Normalization) ([]float32, error) {
	sq, err := Square(img, size, mode)
	if err != nil {
		return nil, err
	}
	return ToCHW(sq, size, n)
}
