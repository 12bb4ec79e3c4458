package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var ErrCUDAUnavailable = errors.New("cuda execution provider unavailable")

var (
	initOnce sync.Once
	initErr  error
)

// LibPath resolves the ONNX Runtime shared library, preferring the configured path.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	for _, p := range candidatePaths(runtime.GOOS) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func candidatePaths(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{filepath.Join("onnxlibs", "onnxruntime.dll"), "onnxruntime.dll"}
	default:
		return nil
	}
}

// Init initializes the ONNX Runtime environment once per process.
func Init(libonnx string) error {
	initOnce.Do(func() {
		path := LibPath(libonnx)
		if path == "" {
			slog.Warn("ONNX Runtime library path could not be determined, relying on system loader")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", path))
			ort.SetSharedLibraryPath(path)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	})
	return initErr
}

func Destroy() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}
}

// Options describes how inference sessions are created.
type Options struct {
	Device         string
	IntraOpThreads int
}

// NewSessionOptions builds session options for the requested device and
// reports the device actually selected. "auto" falls back to the CPU when the
// CUDA provider cannot be attached.
func NewSessionOptions(o Options) (*ort.SessionOptions, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if o.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(o.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, "", fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	switch o.Device {
	case DeviceCPU:
		return opts, DeviceCPU, nil
	case DeviceCUDA, DeviceAuto, "":
		cudaErr := appendCUDA(opts)
		if cudaErr == nil {
			return opts, DeviceCUDA, nil
		}
		if o.Device == DeviceCUDA {
			opts.Destroy()
			return nil, "", fmt.Errorf("%w: %w", ErrCUDAUnavailable, cudaErr)
		}
		slog.Info("CUDA not available, using CPU", slog.String("reason", cudaErr.Error()))
		return opts, DeviceCPU, nil
	default:
		opts.Destroy()
		return nil, "", fmt.Errorf("unknown device %q", o.Device)
	}
}

func appendCUDA(opts *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}

// Inspect reads the model's input/output metadata.
func Inspect(modelPath string) ([]ort.InputOutputInfo, []ort.InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}
	return inputs, outputs, nil
}

// ResolveShape replaces a dynamic leading batch dimension with batch and
// rejects any other dynamic dimension.
func ResolveShape(dims ort.Shape, batch int64) (ort.Shape, error) {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d > 0 {
			out[i] = d
			continue
		}
		if i == 0 {
			out[i] = batch
			continue
		}
		return nil, fmt.Errorf("dimension %d of shape %v is dynamic", i, dims)
	}
	return out, nil
}

// FindInput returns the info for the named input, or false.
func FindInput(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}
