package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy computes dst += a*x.
func Axpy(dst []float32, a float32, x []float32) {
	for i := range dst {
		dst[i] += a * x[i]
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	scale := float32(1.0 / math.Sqrt(mean+float64(eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
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

// Argmax returns the index of the largest value; the lowest index wins ties.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the exact erf-based GELU.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// GeluTanh computes the tanh approximation of GELU.
func GeluTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

// RopeAngles fills cos and sin for one absolute position. len(cos) is half
// the head dimension. mscale multiplies both tables.
func RopeAngles(cos, sin []float32, pos int, invFreq []float64, mscale float64) {
	for i := range cos {
		s, c := math.Sincos(float64(pos) * invFreq[i])
		cos[i] = float32(c * mscale)
		sin[i] = float32(s * mscale)
	}
}

// ApplyRoPE rotates each head of x in the half-split layout: element i is
// paired with element i+headDim/2.
func ApplyRoPE(x []float32, nHead, headDim int, cos, sin []float32) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	half := headDim / 2
	for h := 0; h < nHead; h++ {
		lo := x[h*headDim : h*headDim+half]
		hi := x[h*headDim+half : (h+1)*headDim]
		for i := range lo {
			x0, x1 := lo[i], hi[i]
			lo[i] = x0*cos[i] - x1*sin[i]
			hi[i] = x1*cos[i] + x0*sin[i]
		}
	}
}
