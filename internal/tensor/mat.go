package tensor

// Mat is a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for freshly
// allocated matrices it equals C. Data holds the flattened values.
//
// Mat relies on Go's slice bounds checks for memory safety; out-of-range
// indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero-initialised r by c matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return &Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps an existing slice as an r by c matrix.
// The slice length must be exactly r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if len(data) != r*c {
		panic("tensor: data length mismatch")
	}
	return &Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns the i-th row as a slice view. Writes through the view
// update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("tensor: index out of range")
	}
	return m.Data[i*m.Stride+j]
}

// Set stores v at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("tensor: index out of range")
	}
	m.Data[i*m.Stride+j] = v
}

// NumElems returns the number of addressable elements (R*C).
func (m *Mat) NumElems() int { return m.R * m.C }

// Zero clears every element.
func (m *Mat) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Clone returns a deep copy with a compact stride.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Window returns an r by c view whose top-left corner sits at (i, j),
// sharing backing storage with m. Windows are meant for read access; Zero
// clears beyond the window on a non-compact view.
func (m *Mat) Window(i, j, r, c int) *Mat {
	if i < 0 || j < 0 || r < 0 || c < 0 || i+r > m.R || j+c > m.C {
		panic("tensor: window out of range")
	}
	return &Mat{R: r, C: c, Stride: m.Stride, Data: m.Data[i*m.Stride+j:]}
}
