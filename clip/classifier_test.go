package clip

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/krau/konavision/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImageEncoder struct {
	vec []float32
	err error
}

func (f *fakeImageEncoder) EncodeImage(context.Context, image.Image) ([]float32, error) {
	return f.vec, f.err
}

type fakeTextEncoder struct {
	vecs  map[string][]float32
	calls int
	seen  [][]string
}

func (f *fakeTextEncoder) EncodeText(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.seen = append(f.seen, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			return nil, errors.New("unknown text " + t)
		}
		out[i] = v
	}
	return out, nil
}

// labelVectors gives each default label its own axis so an image vector
// pointing mostly along one axis matches that label.
func labelVectors() map[string][]float32 {
	vecs := make(map[string][]float32)
	for i, l := range config.DefaultLabels {
		v := make([]float32, len(config.DefaultLabels))
		v[i] = 2
		vecs[l] = v
	}
	return vecs
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, imaging.Save(imaging.New(16, 16, color.White), path))
	return path
}

func newTestClassifier(t *testing.T, imageVec []float32) (*Classifier, *fakeTextEncoder) {
	t.Helper()
	texts := &fakeTextEncoder{vecs: labelVectors()}
	c, err := New(&fakeImageEncoder{vec: imageVec}, texts, Options{Labels: config.DefaultLabels, TopK: 3, LogitScale: 100})
	require.NoError(t, err)
	return c, texts
}

func TestClassify_ReturnsTopThree(t *testing.T) {
	// closest to "a dog", then "a cat", then "a shirt"
	c, _ := newTestClassifier(t, []float32{0, 0.9, 0.3, 0, 0, 0.1})

	preds, err := c.Classify(context.Background(), writeImage(t))
	require.NoError(t, err)
	require.Len(t, preds, 3)

	assert.Equal(t, "a dog", preds[0].Label)
	assert.Equal(t, "a cat", preds[1].Label)
	assert.Equal(t, "a shirt", preds[2].Label)
	for i, p := range preds {
		assert.GreaterOrEqual(t, p.Score, float32(0))
		assert.LessOrEqual(t, p.Score, float32(1))
		if i > 0 {
			assert.GreaterOrEqual(t, preds[i-1].Score, p.Score)
		}
	}
}

func TestScores_SumToOne(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{0.2, 0.1, 0.05, 0.3, 0.01, 0.4})

	probs, err := c.Scores(context.Background(), imaging.New(4, 4, color.Black), c.Labels())
	require.NoError(t, err)
	require.Len(t, probs, len(config.DefaultLabels))

	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestClassify_TiesKeepLabelOrder(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{1, 1, 1, 1, 1, 1})

	preds, err := c.Classify(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a product", "a dog", "a cat"},
		[]string{preds[0].Label, preds[1].Label, preds[2].Label})
}

func TestClassify_MissingFile(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{1, 0, 0, 0, 0, 0})

	preds, err := c.Classify(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Nil(t, preds)
}

func TestClassify_UndecodableFile(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{1, 0, 0, 0, 0, 0})
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := c.Classify(context.Background(), path)
	assert.Error(t, err)
}

func TestClassify_EncoderErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	c, err := New(&fakeImageEncoder{err: boom}, &fakeTextEncoder{vecs: labelVectors()}, Options{Labels: config.DefaultLabels})
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), writeImage(t))
	assert.ErrorIs(t, err, boom)
}

func TestClassify_DimensionMismatch(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{1, 0})

	_, err := c.Classify(context.Background(), writeImage(t))
	assert.ErrorIs(t, err, ErrEncoderOutput)
}

func TestClassify_CachesTextFeatures(t *testing.T) {
	c, texts := newTestClassifier(t, []float32{1, 0, 0, 0, 0, 0})
	path := writeImage(t)

	_, err := c.Classify(context.Background(), path)
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, texts.calls)

	labels := []string{"a dog", "a cat", "a shirt", "a hat"}
	texts.vecs["a hat"] = []float32{0, 0, 0, 0, 0, 1}
	_, err = c.ClassifyLabels(context.Background(), path, labels)
	require.NoError(t, err)
	assert.Equal(t, 2, texts.calls)
	assert.Equal(t, []string{"a hat"}, texts.seen[1])
}

func TestClassify_CachesOnlyConfiguredLabels(t *testing.T) {
	c, texts := newTestClassifier(t, []float32{1, 0, 0, 0, 0, 0})
	img := imaging.New(4, 4, color.White)

	for i := range 100 {
		labels := make([]string, 3)
		for j := range labels {
			labels[j] = fmt.Sprintf("label %d-%d", i, j)
			texts.vecs[labels[j]] = []float32{0, 0, 0, 0, 0, 1}
		}
		_, err := c.ClassifyImage(context.Background(), img, labels)
		require.NoError(t, err)
	}
	assert.Len(t, c.cache, len(config.DefaultLabels))

	// per-call labels are re-encoded, duplicates only once
	texts.calls, texts.seen = 0, nil
	labels := []string{"a dog", "a hat", "a hat", "a cat"}
	texts.vecs["a hat"] = []float32{0, 0, 0, 0, 0, 1}
	for range 2 {
		_, err := c.ClassifyImage(context.Background(), img, labels)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, texts.calls)
	assert.Equal(t, [][]string{{"a dog", "a hat", "a cat"}, {"a hat"}}, texts.seen)
}

func TestClassifyLabels_Validation(t *testing.T) {
	c, _ := newTestClassifier(t, []float32{1, 0, 0, 0, 0, 0})
	path := writeImage(t)

	_, err := c.ClassifyLabels(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrNoLabels)

	_, err = c.ClassifyLabels(context.Background(), path, []string{"a dog", "a cat"})
	assert.ErrorIs(t, err, ErrTooFewLabels)
}

func TestNew_Validation(t *testing.T) {
	texts := &fakeTextEncoder{vecs: labelVectors()}
	images := &fakeImageEncoder{}

	_, err := New(images, texts, Options{})
	assert.ErrorIs(t, err, ErrNoLabels)

	_, err = New(images, texts, Options{Labels: []string{"a"}, TopK: 2})
	assert.ErrorIs(t, err, ErrTooFewLabels)

	_, err = New(nil, texts, Options{Labels: config.DefaultLabels})
	assert.Error(t, err)

	c, err := New(images, texts, Options{Labels: config.DefaultLabels})
	require.NoError(t, err)
	assert.Equal(t, 3, c.topK)
	assert.Equal(t, float32(100), c.scale)
}
