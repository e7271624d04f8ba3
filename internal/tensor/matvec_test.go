package tensor

import (
	"math"
	"sync"
	"testing"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	row := make([]float32, w.C)
	for i := 0; i < w.R; i++ {
		w.RowTo(row, i)
		var sum float64
		for j := 0; j < w.C; j++ {
			sum += float64(row[j]) * float64(x[j])
		}
		dst[i] = float32(sum)
	}
}

func fillTestVec(x []float32, scale float32) {
	for i := range x {
		x[i] = scale * float32((i%29)-14)
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}
	return m
}

func TestMatVecF32MatchesNaive(t *testing.T) {
	t.Parallel()

	w := RandomMat(257, 96, 1, 0.5)
	x := make([]float32, w.C)
	fillTestVec(x, 0.01)
	got := make([]float32, w.R)
	want := make([]float32, w.R)
	MatVec(got, w, x)
	matVecNaive(want, w, x)
	if d := maxAbsDiff(got, want); d > 1e-4 {
		t.Fatalf("max diff %g", d)
	}
}

func TestMatVecQuantizedFormatsTrackF32(t *testing.T) {
	t.Parallel()

	base := RandomMat(64, 128, 7, 1)
	x := make([]float32, base.C)
	fillTestVec(x, 0.05)
	want := make([]float32, base.R)
	MatVec(want, base, x)

	cases := []struct {
		dt    DType
		block int
		tol   float64
	}{
		{F16, 0, 1e-2},
		{BF16, 0, 5e-2},
		{Q8, 32, 0.1},
		{Q8, 128, 0.15},
		{Q4, 32, 1.0},
	}
	for _, tc := range cases {
		m, err := Convert(base, tc.dt, tc.block)
		if err != nil {
			t.Fatalf("convert %s: %v", tc.dt, err)
		}
		got := make([]float32, m.R)
		MatVec(got, m, x)
		if d := maxAbsDiff(got, want); d > tc.tol {
			t.Fatalf("%s/%d: max diff %g > %g", tc.dt, tc.block, d, tc.tol)
		}

		// The fused kernel must agree with dequantize-then-multiply.
		ref := make([]float32, m.R)
		matVecNaive(ref, m, x)
		if d := maxAbsDiff(got, ref); d > 1e-3 {
			t.Fatalf("%s/%d: kernel vs RowTo diff %g", tc.dt, tc.block, d)
		}
	}
}

func TestMatVecBatchMatchesSingle(t *testing.T) {
	t.Parallel()

	w, err := Convert(RandomMat(48, 64, 3, 1), Q4, 32)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	xs := make([][]float32, 3)
	dst := make([][]float32, 3)
	for i := range xs {
		xs[i] = make([]float32, w.C)
		fillTestVec(xs[i], float32(i+1)*0.01)
		dst[i] = make([]float32, w.R)
	}
	MatVecBatch(dst, w, xs)
	for i := range xs {
		single := make([]float32, w.R)
		MatVec(single, w, xs[i])
		for r := range single {
			if single[r] != dst[i][r] {
				t.Fatalf("batch %d row %d: %g != %g", i, r, dst[i][r], single[r])
			}
		}
	}
}

func TestMatVecConcurrentCallers(t *testing.T) {
	t.Parallel()

	w := RandomMat(512, 64, 11, 1)
	x := make([]float32, w.C)
	fillTestVec(x, 0.02)
	want := make([]float32, w.R)
	MatVec(want, w, x)

	var wg sync.WaitGroup
	errs := make(chan int, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]float32, w.R)
			for iter := 0; iter < 20; iter++ {
				MatVec(got, w, x)
				for r := range got {
					if got[r] != want[r] {
						errs <- r
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for r := range errs {
		t.Fatalf("concurrent matvec diverged at row %d", r)
	}
}

func TestParallelForCoversRangeOnce(t *testing.T) {
	t.Parallel()

	const n = 1000
	var mu sync.Mutex
	seen := make([]int, n)
	ParallelFor(n, 7, func(s, e int) {
		mu.Lock()
		defer mu.Unlock()
		for i := s; i < e; i++ {
			seen[i]++
		}
	})
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("index %d visited %d times", i, c)
		}
	}
}

func BenchmarkMatVecQ4(b *testing.B) {
	w, err := Convert(RandomMat(2048, 2048, 1, 0.02), Q4, 32)
	if err != nil {
		b.Fatal(err)
	}
	x := make([]float32, w.C)
	dst := make([]float32, w.R)
	fillTestVec(x, 0.01)
	for b.Loop() {
		MatVec(dst, w, x)
	}
}

func BenchmarkMatVecF32(b *testing.B) {
	w := RandomMat(2048, 2048, 1, 0.02)
	x := make([]float32, w.C)
	dst := make([]float32, w.R)
	fillTestVec(x, 0.01)
	for b.Loop() {
		MatVec(dst, w, x)
	}
}
