// Package dtype models the numeric formats activations may be held in.
// Storage stays float32 throughout; reduced formats are applied by rounding
// values through the target encoding and back, which reproduces their
// precision loss without changing memory layout.
package dtype

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Parse maps a config string to its DType.
func Parse(s string) (DType, error) {
	switch s {
	case "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Reduced reports whether d is a 16-bit format.
func (d DType) Reduced() bool { return d == F16 || d == BF16 }

// RoundValue passes v through the encoding of d and back to float32.
func (d DType) RoundValue(v float32) float32 {
	switch d {
	case F32:
		return v
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	default:
		panic("dtype: unknown dtype")
	}
}

// Round writes the rounded values of src into dst. dst and src may alias.
func (d DType) Round(dst, src []float32) {
	if len(dst) != len(src) {
		panic("dtype: round length mismatch")
	}
	switch d {
	case F32:
		copy(dst, src)
	case F16:
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range src {
			dst[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	default:
		panic("dtype: unknown dtype")
	}
}

// RoundInPlace rounds x through d.
func (d DType) RoundInPlace(x []float32) { d.Round(x, x) }
