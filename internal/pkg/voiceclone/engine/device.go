package engine

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// acceleratorPresent is replaced in tests.
var acceleratorPresent = detectAccelerator

// ResolveDevice turns a configured device preference into a concrete device
// string: "cpu" or "cuda:N". "auto" picks cuda:0 when a GPU is visible.
func ResolveDevice(pref string) (string, error) {
	pref = strings.ToLower(strings.TrimSpace(pref))
	switch {
	case pref == "" || pref == DeviceAuto:
		if acceleratorPresent() {
			return "cuda:0", nil
		}
		return DeviceCPU, nil
	case pref == DeviceCPU:
		return DeviceCPU, nil
	case pref == DeviceCUDA:
		return "cuda:0", nil
	case strings.HasPrefix(pref, DeviceCUDA+":"):
		if _, err := strconv.Atoi(strings.TrimPrefix(pref, DeviceCUDA+":")); err != nil {
			return "", fmt.Errorf("invalid device %q", pref)
		}
		return pref, nil
	}
	return "", fmt.Errorf("unsupported device %q (use auto, cpu or cuda[:N])", pref)
}

// CUDADeviceID reports whether device names a CUDA device and its index.
func CUDADeviceID(device string) (int, bool) {
	if !strings.HasPrefix(device, DeviceCUDA) {
		return 0, false
	}
	rest := strings.TrimPrefix(device, DeviceCUDA)
	if rest == "" {
		return 0, true
	}
	id, err := strconv.Atoi(strings.TrimPrefix(rest, ":"))
	if err != nil {
		return 0, false
	}
	return id, true
}

func detectAccelerator() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return false
		}
	}
	if _, err := os.Stat("/dev/nvidiactl"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}
