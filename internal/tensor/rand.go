package tensor

import "math/rand/v2"

// RNG is a seeded generator for parameter initialisation and dropout.
// The same seed always yields the same sequence, independent of platform.
type RNG struct {
	src *rand.Rand
}

// NewRNG returns a generator seeded from a single value.
func NewRNG(seed uint64) *RNG {
	return &RNG{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float32 returns a uniform value in [0, 1).
func (r *RNG) Float32() float32 { return r.src.Float32() }

// Normal returns a normal sample with mean 0 and the given std.
func (r *RNG) Normal(std float64) float32 {
	return float32(r.src.NormFloat64() * std)
}

// Uniform returns a uniform sample in [lo, hi).
func (r *RNG) Uniform(lo, hi float64) float32 {
	return float32(lo + r.src.Float64()*(hi-lo))
}

// FillNormal fills m with normal(0, std) samples.
func FillNormal(m *Mat, std float64, rng *RNG) {
	for i := range m.Data {
		m.Data[i] = rng.Normal(std)
	}
}

// FillUniform fills m with uniform samples in [lo, hi).
func FillUniform(m *Mat, lo, hi float64, rng *RNG) {
	for i := range m.Data {
		m.Data[i] = rng.Uniform(lo, hi)
	}
}
