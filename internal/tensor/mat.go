package tensor

import "math/rand"

// Mat is a dense row-major float32 matrix. R and C are the row and column
// counts; Stride is the element distance between row starts (equal to C for
// matrices allocated here). Indexing beyond bounds panics via the underlying
// slice.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data; its length must be r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("tensor: data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns a view of the i-th row. Writes through the returned slice
// update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// MatVec computes dst = w * x.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		dst[i] = sum
	}
}

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
