package clip

import (
	"fmt"
	"math"
	"sort"
)

// Normalize returns v divided by its Euclidean norm. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	norm := math.Sqrt(sum)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Similarity returns scale * dot(image, text) for every text vector.
func Similarity(image []float32, texts [][]float32, scale float32) ([]float32, error) {
	out := make([]float32, len(texts))
	for i, t := range texts {
		if len(t) != len(image) {
			return nil, fmt.Errorf("text vector %d has dimension %d, image has %d", i, len(t), len(image))
		}
		var dot float64
		for j := range t {
			dot += float64(image[j]) * float64(t[j])
		}
		out[i] = float32(float64(scale) * dot)
	}
	return out, nil
}

// Softmax turns logits into a probability distribution.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = max(maxLogit, l)
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, l := range logits {
		exps[i] = math.Exp(float64(l - maxLogit))
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// TopK returns the indices of the k largest scores in descending order.
// Equal scores keep their original order.
func TopK(scores []float32, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
