package imageio

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeBase64(t *testing.T) {
	img := imaging.New(8, 4, color.NRGBA{R: 255, A: 255})
	data := encodePNG(t, img)

	tests := []struct {
		name    string
		payload string
	}{
		{"std", base64.StdEncoding.EncodeToString(data)},
		{"raw", base64.RawStdEncoding.EncodeToString(data)},
		{"data url", "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, 8, got.Bounds().Dx())
			assert.Equal(t, 4, got.Bounds().Dy())
		})
	}
}

func TestDecodeBase64_Invalid(t *testing.T) {
	data := encodePNG(t, imaging.New(4, 4, color.White))
	tests := map[string]string{
		"empty":      "",
		"not base64": "!!!not-base64!!!",
		"not image":  base64.StdEncoding.EncodeToString([]byte("hello world")),
		"truncated":  base64.StdEncoding.EncodeToString(data[:len(data)/2]),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBase64(payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, imaging.New(3, 5, color.Black)), 0o644))

	img, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())

	_, err = Open(filepath.Join(dir, "missing.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = Open(bad)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestCenterCropAndLetterbox(t *testing.T) {
	img := imaging.New(40, 20, color.Black)
	assert.Equal(t, image.Rect(0, 0, 16, 16), CenterCrop(img, 16).Bounds())

	boxed := Letterbox(img, 16)
	assert.Equal(t, image.Rect(0, 0, 16, 16), boxed.Bounds())
	// 40x20 fits as 16x8, leaving white bands of 4 rows above and below
	assertGray(t, 255, boxed.At(8, 0))
	assertGray(t, 255, boxed.At(8, 15))
	assertGray(t, 0, boxed.At(8, 8))
}

func assertGray(t *testing.T, want uint8, c color.Color) {
	t.Helper()
	g := color.GrayModel.Convert(c).(color.Gray)
	assert.Equal(t, want, g.Y)
}

func TestSquare(t *testing.T) {
	img := imaging.New(30, 10, color.Black)
	for _, mode := range []Mode{"", ModeCrop, ModePad} {
		sq, err := Square(img, 8, mode)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 8), sq.Bounds(), mode)
	}

	_, err := Square(img, 8, "stretch")
	assert.Error(t, err)
}

func TestToCHW(t *testing.T) {
	img := imaging.New(2, 2, color.White)
	n := Normalization{Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.25, 1}}

	out, err := ToCHW(img, 2, n)
	require.NoError(t, err)
	require.Len(t, out, 12)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 1.0, out[i], 1e-6)
		assert.InDelta(t, 2.0, out[4+i], 1e-6)
		assert.InDelta(t, 0.5, out[8+i], 1e-6)
	}

	_, err = ToCHW(img, 3, n)
	assert.Error(t, err)

	_, err = ToCHW(img, 2, Normalization{})
	assert.Error(t, err)
}

func TestPreprocess(t *testing.T) {
	img := imaging.New(30, 10, color.Black)
	out, err := Preprocess(img, 8, ModeCrop, Normalization{Std: [3]float32{1, 1, 1}})
	require.NoError(t, err)
	require.Len(t, out, 3*8*8)
	for _, v := range out {
		assert.InDelta(t, 0, v, 1e-6)
	}

	// padding adds white rows, cropping never does
	out, err = Preprocess(img, 8, ModePad, Normalization{Std: [3]float32{1, 1, 1}})
	require.NoError(t, err)
	assert.InDelta(t, 1, out[0], 1e-6)
	assert.InDelta(t, 0, out[4*8+4], 1e-6)
}
