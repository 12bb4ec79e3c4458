package embedding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/krau/konavision/config"
	"github.com/krau/konavision/imageio"
	"github.com/krau/konavision/onnx"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ErrNotInitialized = errors.New("model not initialized")
	ErrInference      = errors.New("inference failed")
)

// Extractor turns an image into a feature vector.
type Extractor interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Model is a loaded feature-extraction model. It is safe for concurrent use;
// at most len(pool) inferences run at once.
type Model struct {
	pool      chan *session
	sessions  []*session
	imageSize int
	mode      imageio.Mode
	norm      imageio.Normalization
	dim       int
	device    string
}

// Load reads the model described by cfg and allocates poolSize sessions.
func Load(cfg config.EmbeddingConfig, o config.OnnxConfig) (*Model, error) {
	onnxPath := filepath.Join(cfg.ModelDir, cfg.ModelFile)

	inputs, outputs, err := onnx.Inspect(onnxPath)
	if err != nil {
		return nil, err
	}
	size := int64(cfg.ImageSize)
	inputShape := ort.NewShape(1, 3, size, size)
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
		if dims[2] != dims[3] {
			return nil, fmt.Errorf("model input %v is not square", dims)
		}
		size = dims[2]
		inputShape = ort.NewShape(1, 3, size, size)
	}
	outputShape, err := onnx.ResolveShape(outputs[0].Dimensions, 1)
	if err != nil {
		return nil, fmt.Errorf("unsupported output %q: %w", outputs[0].Name, err)
	}
	dim := rowSize(outputShape)
	if dim == 0 {
		return nil, fmt.Errorf("output %q has empty shape %v", outputs[0].Name, outputShape)
	}

	opts, device, err := onnx.NewSessionOptions(onnx.Options{Device: o.Device, IntraOpThreads: o.IntraOpThreads})
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	poolSize := max(o.PoolSize, 1)
	m := &Model{
		pool:      make(chan *session, poolSize),
		imageSize: int(size),
		mode:      imageio.Mode(cfg.Preprocess),
		norm:      imageio.Normalization{Mean: cfg.Mean, Std: cfg.Std},
		dim:       dim,
		device:    device,
	}
	for range poolSize {
		s, err := newSession(onnxPath, inputs[0].Name, outputs[0].Name, inputShape, outputShape, opts)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.sessions = append(m.sessions, s)
		m.pool <- s
	}

	slog.Info("Embedding model loaded",
		slog.String("path", onnxPath),
		slog.String("preprocess", string(m.mode)),
		slog.String("device", device),
		slog.Int("image_size", m.imageSize),
		slog.Int("dim", m.dim),
		slog.Int("sessions", poolSize),
	)
	return m, nil
}

func newSession(path, inputName, outputName string, inputShape, outputShape ort.Shape, opts *ort.SessionOptions) (*session, error) {
	s := &session{}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		opts,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return s, nil
}

// Embed runs the model on img and returns the first batch element of the
// output, flattened.
func (m *Model) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if m == nil || m.pool == nil {
		return nil, ErrNotInitialized
	}
	inputData, err := imageio.Preprocess(img, m.imageSize, m.mode, m.norm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", imageio.ErrInvalidImage, err)
	}

	var s *session
	select {
	case s = <-m.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { m.pool <- s }()

	copy(s.input.GetData(), inputData)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	return firstRow(s.output.GetData(), m.dim), nil
}

// rowSize is the number of values in one batch element of shape.
func rowSize(shape ort.Shape) int {
	if len(shape) == 0 || shape[0] <= 0 {
		return 0
	}
	return int(shape.FlattenedSize() / shape[0])
}

// firstRow copies the first dim values of data, which hold the first batch
// element flattened.
func firstRow(data []float32, dim int) []float32 {
	row := make([]float32, dim)
	copy(row, data[:dim])
	return row
}

func (m *Model) Dim() int { return m.dim }

func (m *Model) Device() string { return m.device }

// Close waits for every session to return to the pool and destroys them.
func (m *Model) Close() {
	for range m.sessions {
		<-m.pool
	}
	for _, s := range m.sessions {
		s.destroy()
	}
	m.sessions = nil
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, img image.Image) ([]float32, error)

func (f ExtractorFunc) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	return f(ctx, img)
}
