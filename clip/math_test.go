package clip

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]float32{3, 4})
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, got, 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))

	in := []float32{1, 1}
	Normalize(in)
	assert.Equal(t, []float32{1, 1}, in, "input must not be modified")
}

func TestSimilarity(t *testing.T) {
	img := []float32{1, 0}
	texts := [][]float32{{1, 0}, {0, 1}, {0.5, 0.5}}

	got, err := Similarity(img, texts, 100)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{100, 0, 50}, got, 1e-4)

	_, err = Similarity(img, [][]float32{{1, 0, 0}}, 100)
	assert.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	got := Softmax([]float32{1, 2, 3})
	var sum float32
	for _, p := range got {
		assert.GreaterOrEqual(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(1))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, got[2], got[1])
	assert.Greater(t, got[1], got[0])

	// large logits must not overflow
	big := Softmax([]float32{1000, 1000})
	assert.InDelta(t, 0.5, big[0], 1e-6)
	assert.False(t, math.IsNaN(float64(big[1])))

	assert.Empty(t, Softmax(nil))
}

func TestTopK(t *testing.T) {
	assert.Equal(t, []int{2, 0, 3}, TopK([]float32{0.3, 0.1, 0.4, 0.2}, 3))
	assert.Equal(t, []int{1, 0}, TopK([]float32{0.1, 0.9}, 5))

	// ties keep their original order
	assert.Equal(t, []int{0, 2, 1}, TopK([]float32{0.4, 0.2, 0.4}, 3))
}
