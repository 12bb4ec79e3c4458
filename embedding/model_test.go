package embedding

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestModel_EmbedUninitialized(t *testing.T) {
	var m *Model
	_, err := m.Embed(context.Background(), imaging.New(4, 4, color.White))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = (&Model{}).Embed(context.Background(), imaging.New(4, 4, color.White))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestModel_EmbedCanceledWhileWaiting(t *testing.T) {
	// an empty pool means every session is busy
	m := &Model{pool: make(chan *session), imageSize: 4}
	m.norm.Std = [3]float32{1, 1, 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Embed(ctx, imaging.New(4, 4, color.White))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractorFunc(t *testing.T) {
	var got image.Image
	var e Extractor = ExtractorFunc(func(_ context.Context, img image.Image) ([]float32, error) {
		got = img
		return []float32{1, 2, 3}, nil
	})

	img := imaging.New(2, 2, color.Black)
	vec, err := e.Embed(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Same(t, img, got)
}

func TestRowSize(t *testing.T) {
	tests := []struct {
		name  string
		shape ort.Shape
		want  int
	}{
		{"pooled", ort.NewShape(1, 512), 512},
		{"token sequence", ort.NewShape(1, 50, 768), 50 * 768},
		{"batch of four", ort.NewShape(4, 16), 16},
		{"batch with spatial dims", ort.NewShape(2, 3, 7, 7), 3 * 7 * 7},
		{"empty", ort.Shape{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rowSize(tt.shape))
		})
	}
}

func TestFirstRow(t *testing.T) {
	tests := []struct {
		name  string
		shape ort.Shape
	}{
		{"pooled", ort.NewShape(1, 512)},
		{"token sequence", ort.NewShape(1, 50, 768)},
		{"batch of three", ort.NewShape(3, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]float32, tt.shape.FlattenedSize())
			for i := range data {
				data[i] = float32(i)
			}
			dim := rowSize(tt.shape)

			row := firstRow(data, dim)
			require.Len(t, row, dim)
			assert.Equal(t, data[:dim], row)

			// the result must not alias the output tensor
			row[0] = -1
			assert.Equal(t, float32(0), data[0])
			data[dim-1] = -2
			assert.Equal(t, float32(dim-1), row[dim-1])
		})
	}
}

func TestModel_CloseWaitsForBorrowedSessions(t *testing.T) {
	a, b := &session{}, &session{}
	m := &Model{pool: make(chan *session, 2), sessions: []*session{a, b}}
	m.pool <- a
	// b is in use by a request

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a session was still in use")
	case <-time.After(50 * time.Millisecond):
	}

	m.pool <- b
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the session was released")
	}
	assert.Nil(t, m.sessions)
}
