package tensor

// rowDot computes the dot product of row r of m with x.
type rowDot func(m *Mat, r int, x []float32) float32

// kernel resolves the row kernel for m's format. This is the only place
// the format is inspected on the hot path.
func (m *Mat) kernel() rowDot {
	switch m.DType {
	case F32:
		return dotRowF32
	case F16:
		return dotRowF16
	case BF16:
		return dotRowBF16
	case Q8:
		return dotRowQ8
	case Q4:
		return dotRowQ4
	default:
		panic("unsupported dtype for matvec")
	}
}

// rowsPerTask keeps tiny matrices on the calling goroutine.
const rowsPerTask = 16

// MatVec computes dst = m * x, parallelised over rows on the shared pool.
func MatVec(dst []float32, m *Mat, x []float32) {
	if m.R == 0 || m.C == 0 {
		return
	}
	if len(dst) < m.R || len(x) < m.C {
		panic("matvec shape mismatch")
	}
	k := m.kernel()
	x = x[:m.C]
	ParallelFor(m.R, rowsPerTask, func(rs, re int) {
		for r := rs; r < re; r++ {
			dst[r] = k(m, r, x)
		}
	})
}

// MatVecBatch computes dst[i] = m * xs[i] for every input. Rows are the
// unit of parallelism so each row's encoded bytes are read once per batch.
func MatVecBatch(dst [][]float32, m *Mat, xs [][]float32) {
	if len(dst) != len(xs) {
		panic("matvec batch length mismatch")
	}
	if len(xs) == 1 {
		MatVec(dst[0], m, xs[0])
		return
	}
	if m.R == 0 || m.C == 0 || len(xs) == 0 {
		return
	}
	for i := range xs {
		if len(dst[i]) < m.R || len(xs[i]) < m.C {
			panic("matvec shape mismatch")
		}
	}
	k := m.kernel()
	grain := max(1, rowsPerTask/len(xs))
	ParallelFor(m.R, grain, func(rs, re int) {
		for r := rs; r < re; r++ {
			for i, x := range xs {
				dst[i][r] = k(m, r, x[:m.C])
			}
		}
	})
}

func dotRowF32(m *Mat, r int, x []float32) float32 {
	return Dot(m.Data[r*m.C:(r+1)*m.C], x)
}

func dotRowF16(m *Mat, r int, x []float32) float32 {
	lut := f16Lookup()
	row := m.Raw[r*m.C*2 : (r+1)*m.C*2]
	var sum float32
	for j := range x {
		sum += lut[u16le(row, j*2)] * x[j]
	}
	return sum
}

func dotRowBF16(m *Mat, r int, x []float32) float32 {
	row := m.Raw[r*m.C*2 : (r+1)*m.C*2]
	var sum float32
	for j := range x {
		sum += BF16ToF32(u16le(row, j*2)) * x[j]
	}
	return sum
}

func dotRowQ8(m *Mat, r int, x []float32) float32 {
	bs := m.BlockSize
	nb := m.C / bs
	row := m.Raw[r*m.C : (r+1)*m.C]
	scales := m.Scales[r*nb : (r+1)*nb]
	var sum float32
	for b, s := range scales {
		codes := row[b*bs : (b+1)*bs]
		xb := x[b*bs : (b+1)*bs]
		var acc float32
		for j, c := range codes {
			acc += float32(int8(c)) * xb[j]
		}
		sum += acc * s
	}
	return sum
}

func dotRowQ4(m *Mat, r int, x []float32) float32 {
	bs := m.BlockSize
	half := bs / 2
	nb := m.C / bs
	row := m.Raw[r*m.C/2 : (r+1)*m.C/2]
	scales := m.Scales[r*nb : (r+1)*nb]
	var sum float32
	for b, s := range scales {
		codes := row[b*half : (b+1)*half]
		lo := x[b*bs : b*bs+half]
		hi := x[b*bs+half : (b+1)*bs]
		var acc float32
		for j, c := range codes {
			acc += float32(int(c&0x0F)-8)*lo[j] + float32(int(c>>4)-8)*hi[j]
		}
		sum += acc * s
	}
	return sum
}
