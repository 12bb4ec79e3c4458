package clip

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/krau/konavision/clip/tokenizer"
	"github.com/krau/konavision/config"
	"github.com/krau/konavision/imageio"
	"github.com/krau/konavision/onnx"
	ort "github.com/yalue/onnxruntime_go"
)

// Model holds the CLIP image and text encoders. It implements ImageEncoder
// and TextEncoder.
type Model struct {
	tok           *tokenizer.Tokenizer
	contextLength int
	imageSize     int
	norm          imageio.Normalization
	device        string

	imageMu      sync.Mutex
	imageSession *ort.AdvancedSession
	imageInput   *ort.Tensor[float32]
	imageOutput  *ort.Tensor[float32]

	textSession  *ort.DynamicAdvancedSession
	textIDsType  ort.TensorElementDataType
	textWantMask bool
	textDim      int64
}

func pickInfo(infos []ort.InputOutputInfo, preferred string) ort.InputOutputInfo {
	if info, ok := onnx.FindInput(infos, preferred); ok {
		return info
	}
	return infos[0]
}

// Load opens the image and text encoders and the tokenizer described by cfg.
func Load(cfg config.ClipConfig, o config.OnnxConfig) (*Model, error) {
	tok, err := tokenizer.Load(
		filepath.Join(cfg.ModelDir, cfg.VocabFile),
		filepath.Join(cfg.ModelDir, cfg.MergesFile),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	opts, device, err := onnx.NewSessionOptions(onnx.Options{Device: o.Device, IntraOpThreads: o.IntraOpThreads})
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	m := &Model{
		tok:           tok,
		contextLength: cfg.ContextLength,
		imageSize:     cfg.ImageSize,
		norm:          imageio.Normalization{Mean: config.ClipMean, Std: config.ClipStd},
		device:        device,
	}
	if err := m.loadImageEncoder(filepath.Join(cfg.ModelDir, cfg.ImageModelFile), opts); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.loadTextEncoder(filepath.Join(cfg.ModelDir, cfg.TextModelFile), opts); err != nil {
		m.Close()
		return nil, err
	}

	slog.Info("CLIP model loaded",
		slog.String("dir", cfg.ModelDir),
		slog.String("device", device),
		slog.Int("image_size", m.imageSize),
		slog.Int64("dim", m.textDim),
	)
	return m, nil
}

func (m *Model) loadImageEncoder(path string, opts *ort.SessionOptions) error {
	inputs, outputs, err := onnx.Inspect(path)
	if err != nil {
		return err
	}
	in := pickInfo(inputs, "pixel_values")
	out := pickInfo(outputs, "image_embeds")

	size := int64(m.imageSize)
	outShape, err := onnx.ResolveShape(out.Dimensions, 1)
	if err != nil {
		return fmt.Errorf("unsupported image output %q: %w", out.Name, err)
	}

	m.imageInput, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return fmt.Errorf("failed to create image input tensor: %w", err)
	}
	m.imageOutput, err = ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return fmt.Errorf("failed to create image output tensor: %w", err)
	}
	m.imageSession, err = ort.NewAdvancedSession(
		path,
		[]string{in.Name},
		[]string{out.Name},
		[]ort.Value{m.imageInput},
		[]ort.Value{m.imageOutput},
		opts,
	)
	if err != nil {
		return fmt.Errorf("failed to create image encoder session: %w", err)
	}
	return nil
}

func (m *Model) loadTextEncoder(path string, opts *ort.SessionOptions) error {
	inputs, outputs, err := onnx.Inspect(path)
	if err != nil {
		return err
	}
	ids := pickInfo(inputs, "input_ids")
	out := pickInfo(outputs, "text_embeds")
	if len(out.Dimensions) != 2 {
		return fmt.Errorf("text output %q has shape %v, want [batch, dim]", out.Name, out.Dimensions)
	}
	m.textDim = out.Dimensions[1]
	if m.textDim <= 0 {
		return fmt.Errorf("text output %q has dynamic dimension", out.Name)
	}
	m.textIDsType = ids.DataType

	names := []string{ids.Name}
	if _, ok := onnx.FindInput(inputs, "attention_mask"); ok {
		m.textWantMask = true
		names = append(names, "attention_mask")
	}

	m.textSession, err = ort.NewDynamicAdvancedSession(path, names, []string{out.Name}, opts)
	if err != nil {
		return fmt.Errorf("failed to create text encoder session: %w", err)
	}
	return nil
}

func (m *Model) Device() string { return m.device }

func (m *Model) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := imageio.Preprocess(img, m.imageSize, imageio.ModeCrop, m.norm)
	if err != nil {
		return nil, err
	}

	m.imageMu.Lock()
	defer m.imageMu.Unlock()
	copy(m.imageInput.GetData(), data)
	if err := m.imageSession.Run(); err != nil {
		return nil, fmt.Errorf("image encoder: %w", err)
	}
	out := m.imageOutput.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

func (m *Model) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, ErrNoLabels
	}
	ids, mask := m.tok.EncodeBatch(texts, m.contextLength)
	shape := ort.NewShape(int64(len(texts)), int64(m.contextLength))

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	idsTensor, err := m.intTensor(shape, ids)
	if err != nil {
		return nil, err
	}
	inputs = append(inputs, idsTensor)
	if m.textWantMask {
		maskTensor, err := m.intTensor(shape, mask)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, maskTensor)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(texts)), m.textDim))
	if err != nil {
		return nil, fmt.Errorf("failed to create text output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.textSession.Run(inputs, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}

	data := output.GetData()
	vecs := make([][]float32, len(texts))
	dim := int(m.textDim)
	for i := range vecs {
		vecs[i] = make([]float32, dim)
		copy(vecs[i], data[i*dim:(i+1)*dim])
	}
	return vecs, nil
}

// intTensor builds an int64 or int32 tensor depending on what the text
// encoder was exported with.
func (m *Model) intTensor(shape ort.Shape, data []int64) (ort.Value, error) {
	if m.textIDsType == ort.TensorElementDataTypeInt32 {
		narrow := make([]int32, len(data))
		for i, v := range data {
			narrow[i] = int32(v)
		}
		t, err := ort.NewTensor(shape, narrow)
		if err != nil {
			return nil, fmt.Errorf("failed to create text input tensor: %w", err)
		}
		return t, nil
	}
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create text input tensor: %w", err)
	}
	return t, nil
}

func (m *Model) Close() {
	if m.imageSession != nil {
		m.imageSession.Destroy()
	}
	if m.imageInput != nil {
		m.imageInput.Destroy()
	}
	if m.imageOutput != nil {
		m.imageOutput.Destroy()
	}
	if m.textSession != nil {
		m.textSession.Destroy()
	}
}
