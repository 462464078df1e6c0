package tensor

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

// Device identifies the anyvec creator every tensor and parameter is
// allocated with.
type Device struct {
	Kind    string
	creator anyvec.Creator
}

// CPU returns the host device backed by float32 vectors.
func CPU() Device {
	return Device{Kind: "cpu", creator: anyvec32.CurrentCreator()}
}

// ParseDevice accepts "cpu", the only supported device.
func ParseDevice(name string) (Device, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" || name == "cpu" {
		return CPU(), nil
	}
	return Device{}, errors.Errorf("unsupported device %q", name)
}

// Creator returns the vector creator of the device.
func (d Device) Creator() anyvec.Creator {
	if d.creator == nil {
		return anyvec32.CurrentCreator()
	}
	return d.creator
}

func (d Device) String() string {
	if d.Kind == "" {
		return "cpu"
	}
	return d.Kind
}

// Describe reports the host processor backing the device.
func (d Device) Describe() string {
	features := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return fmt.Sprintf("%s (%s, %d logical cores, features=%s)",
		d.String(),
		strings.TrimSpace(cpuid.CPU.BrandName),
		cores,
		strings.Join(features, "+"),
	)
}
