package tensor

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// BackendInfo describes the CPU the kernels run on.
type BackendInfo struct {
	Brand         string
	Vendor        string
	Arch          string
	PhysicalCores int
	LogicalCores  int
	HasAVX2       bool
	HasFMA        bool
	HasAVX512     bool
	HasNEON       bool
	L2CacheBytes  int
	Workers       int
}

// DetectBackend reports CPU features and the worker count the current
// compute configuration would use.
func DetectBackend() BackendInfo {
	cpu := cpuid.CPU
	return BackendInfo{
		Brand:         cpu.BrandName,
		Vendor:        cpu.VendorString,
		Arch:          runtime.GOARCH,
		PhysicalCores: cpu.PhysicalCores,
		LogicalCores:  cpu.LogicalCores,
		HasAVX2:       cpu.Supports(cpuid.AVX2),
		HasFMA:        cpu.Supports(cpuid.FMA3),
		HasAVX512:     cpu.Supports(cpuid.AVX512F),
		HasNEON:       cpu.Supports(cpuid.ASIMD),
		L2CacheBytes:  cpu.Cache.L2,
		Workers:       globalComputeConfig.numWorkers(),
	}
}

// TunedComputeConfig sizes the worker pool from physical cores, which is
// where row kernels stop scaling (they are memory bound, not ALU bound).
func TunedComputeConfig() ComputeConfig {
	cfg := DefaultComputeConfig()
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		cfg.NumWorkers = n
	}
	// Wide vector units make small serial kernels cheap; raise the cut-over.
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		cfg.MinRowsForParallel = 128
	}
	return cfg
}
