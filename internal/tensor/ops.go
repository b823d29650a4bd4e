package tensor

import "math"

// Add adds src to dst element-wise. The slices must have equal length.
func Add(dst, src []float32) {
	if len(dst) != len(src) {
		panic("tensor: add length mismatch")
	}
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled adds a*src to dst element-wise.
func AddScaled(dst []float32, a float32, src []float32) {
	if len(dst) != len(src) {
		panic("tensor: add length mismatch")
	}
	for i := range dst {
		dst[i] += a * src[i]
	}
}

// Scale multiplies every element of x by a.
func Scale(x []float32, a float32) {
	for i := range x {
		x[i] *= a
	}
}

// Dot computes the dot product of a and b. The slices must have equal
// length.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("tensor: dot length mismatch")
	}
	var sum float32
	i := 0
	for ; i+3 < len(a); i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies softmax to x in place. Accumulation runs in float64 with
// max subtraction so large negative mask values behave as exact zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	// A fully masked row has no finite entry to normalise against.
	if math.IsInf(float64(maxv), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// learned scale and bias. dst, src, gamma and beta share one length.
func LayerNorm(dst, src, gamma, beta []float32, eps float32) {
	n := len(src)
	if len(dst) != n || len(gamma) != n || len(beta) != n {
		panic("tensor: layernorm length mismatch")
	}
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(n)
	var varAcc float64
	for _, v := range src {
		d := float64(v) - mean
		varAcc += d * d
	}
	varAcc /= float64(n)
	inv := float32(1.0 / math.Sqrt(varAcc+float64(eps)))
	m := float32(mean)
	for i := range src {
		dst[i] = (src[i]-m)*inv*gamma[i] + beta[i]
	}
}

// Gelu computes the tanh-approximated Gaussian error linear unit.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	return float32(0.5 * x64 * (1.0 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
}

// GeluSlice applies Gelu to every element of x in place.
func GeluSlice(x []float32) {
	for i := range x {
		x[i] = Gelu(x[i])
	}
}

// Dropout zeroes each element of x with probability p and scales survivors
// by 1/(1-p). p == 0 is a no-op; p must be in [0, 1).
func Dropout(x []float32, p float32, rng *RNG) {
	if p == 0 {
		return
	}
	if p < 0 || p >= 1 {
		panic("tensor: dropout probability out of range")
	}
	keep := 1.0 / (1.0 - p)
	for i := range x {
		if rng.Float32() < p {
			x[i] = 0
		} else {
			x[i] *= keep
		}
	}
}
