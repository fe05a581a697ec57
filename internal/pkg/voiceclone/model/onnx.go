// Package model owns the process-wide ONNX runtime environment and builds
// inference sessions on the configured device.
package model

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"voiceclone/internal/pkg/voiceclone/engine"
)

func libraryCandidates(goos string) ([]string, string) {
	switch goos {
	case "linux":
		return []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"./libonnxruntime.so",
			"./lib/libonnxruntime.so",
		}, "libonnxruntime.so"
	case "windows":
		return []string{
			"onnxruntime.dll",
			"./onnxruntime.dll",
			"./lib/onnxruntime.dll",
		}, "onnxruntime.dll"
	case "darwin":
		return []string{
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"./libonnxruntime.dylib",
		}, "libonnxruntime.dylib"
	default:
		return nil, "libonnxruntime.so"
	}
}

// LibraryPath returns ONNXRUNTIME_LIB_PATH if set, otherwise the first
// existing well-known location for the current OS.
func LibraryPath() string {
	if envPath := os.Getenv("ONNXRUNTIME_LIB_PATH"); envPath != "" {
		return envPath
	}

	paths, fallback := libraryCandidates(runtime.GOOS)
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return fallback
}

func InitRuntime() error {
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(LibraryPath())
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewSession opens modelPath with the CUDA execution provider when device is
// a cuda device, and the default CPU provider otherwise.
func NewSession(modelPath string, inputs, outputs []string, device string) (*ort.DynamicAdvancedSession, error) {
	if err := InitRuntime(); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if id, ok := engine.CUDADeviceID(device); ok {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOpts.Destroy()

		if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(id)}); err != nil {
			return nil, fmt.Errorf("failed to configure CUDA device %d: %w", id, err)
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return session, nil
}
