package clip

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/krau/konavision/imageio"
)

var (
	ErrNoLabels      = errors.New("no candidate labels")
	ErrTooFewLabels  = errors.New("fewer candidate labels than requested predictions")
	ErrEncoderOutput = errors.New("unexpected encoder output")
)

type ImageEncoder interface {
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)
}

type TextEncoder interface {
	EncodeText(ctx context.Context, texts []string) ([][]float32, error)
}

type Prediction struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

type Options struct {
	Labels     []string
	TopK       int
	LogitScale float32
}

// Classifier ranks candidate labels against an image with a joint
// image/text model.
type Classifier struct {
	images ImageEncoder
	texts  TextEncoder
	labels []string
	topK   int
	scale  float32

	// cache holds text vectors for the configured labels only.
	mu    sync.RWMutex
	cache map[string][]float32
}

func New(images ImageEncoder, texts TextEncoder, opts Options) (*Classifier, error) {
	if images == nil || texts == nil {
		return nil, errors.New("image and text encoders are required")
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.LogitScale == 0 {
		opts.LogitScale = 100
	}
	if err := validateLabels(opts.Labels, opts.TopK); err != nil {
		return nil, err
	}
	c := &Classifier{
		images: images,
		texts:  texts,
		labels: append([]string(nil), opts.Labels...),
		topK:   opts.TopK,
		scale:  opts.LogitScale,
		cache:  make(map[string][]float32, len(opts.Labels)),
	}
	for _, l := range c.labels {
		c.cache[l] = nil
	}
	return c, nil
}

func validateLabels(labels []string, k int) error {
	if len(labels) == 0 {
		return ErrNoLabels
	}
	if len(labels) < k {
		return fmt.Errorf("%w: have %d, need %d", ErrTooFewLabels, len(labels), k)
	}
	return nil
}

func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Classify returns the best matching configured labels for the image file
// at path. File and decoding errors are returned as is.
func (c *Classifier) Classify(ctx context.Context, path string) ([]Prediction, error) {
	return c.ClassifyLabels(ctx, path, c.labels)
}

func (c *Classifier) ClassifyLabels(ctx context.Context, path string, labels []string) ([]Prediction, error) {
	if err := validateLabels(labels, c.topK); err != nil {
		return nil, err
	}
	img, err := imageio.Open(path)
	if err != nil {
		return nil, err
	}
	return c.ClassifyImage(ctx, img, labels)
}

func (c *Classifier) ClassifyImage(ctx context.Context, img image.Image, labels []string) ([]Prediction, error) {
	if err := validateLabels(labels, c.topK); err != nil {
		return nil, err
	}
	probs, err := c.Scores(ctx, img, labels)
	if err != nil {
		return nil, err
	}
	preds := make([]Prediction, 0, c.topK)
	for _, i := range TopK(probs, c.topK) {
		preds = append(preds, Prediction{Label: labels[i], Score: probs[i]})
	}
	return preds, nil
}

// Scores returns the softmax distribution over all labels, in label order.
func (c *Classifier) Scores(ctx context.Context, img image.Image, labels []string) ([]float32, error) {
	if len(labels) == 0 {
		return nil, ErrNoLabels
	}
	imageVec, err := c.images.EncodeImage(ctx, img)
	if err != nil {
		return nil, err
	}
	textVecs, err := c.textFeatures(ctx, labels)
	if err != nil {
		return nil, err
	}
	logits, err := Similarity(Normalize(imageVec), textVecs, c.scale)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderOutput, err)
	}
	return Softmax(logits), nil
}

// textFeatures returns normalized text vectors for labels. Configured labels
// are encoded once and reused; other labels are encoded on every call.
func (c *Classifier) textFeatures(ctx context.Context, labels []string) ([][]float32, error) {
	out := make([][]float32, len(labels))
	var missing []string
	c.mu.RLock()
	for i, l := range labels {
		if v := c.cache[l]; v != nil {
			out[i] = v
		} else if !slices.Contains(missing, l) {
			missing = append(missing, l)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.texts.EncodeText(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("%w: %d text vectors for %d labels", ErrEncoderOutput, len(vecs), len(missing))
	}
	encoded := make(map[string][]float32, len(missing))
	c.mu.Lock()
	for i, l := range missing {
		v := Normalize(vecs[i])
		if _, ok := c.cache[l]; ok {
			c.cache[l] = v
		}
		encoded[l] = v
	}
	c.mu.Unlock()

	for i, l := range labels {
		if out[i] == nil {
			out[i] = encoded[l]
		}
	}
	return out, nil
}
