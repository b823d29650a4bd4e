// Command cpu_features prints the host's vector-extension support as JSON.
// Useful when comparing bench numbers across machines.
package main

import (
	"fmt"
	"os"
	"runtime"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sys/cpu"
)

type output struct {
	GoVersion string          `json:"go_version"`
	GoOS      string          `json:"go_os"`
	GoArch    string          `json:"go_arch"`
	CPUs      int             `json:"cpus"`
	Features  map[string]bool `json:"features"`
}

func main() {
	features := map[string]bool{
		"SSE42":        cpu.X86.HasSSE42,
		"AVX":          cpu.X86.HasAVX,
		"AVX2":         cpu.X86.HasAVX2,
		"FMA":          cpu.X86.HasFMA,
		"AVX512F":      cpu.X86.HasAVX512F,
		"AVX512BW":     cpu.X86.HasAVX512BW,
		"AVX512DQ":     cpu.X86.HasAVX512DQ,
		"AVX512VL":     cpu.X86.HasAVX512VL,
		"AVX512VNNI":   cpu.X86.HasAVX512VNNI,
		"AVX512BF16":   cpu.X86.HasAVX512BF16,
		"ARM64_ASIMD":  cpu.ARM64.HasASIMD,
		"ARM64_SVE":    cpu.ARM64.HasSVE,
		"ARM64_ASIMDH": cpu.ARM64.HasASIMDHP,
	}

	out := output{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Features:  features,
	}

	enc := gojson.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
