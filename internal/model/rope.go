package model

import (
	"math"
	"strings"
)

// RopeScaling is a resolved rope_scaling configuration with defaults
// applied.
type RopeScaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
	Truncate        bool
}

// resolveRopeScaling returns nil when no supported scaling is configured.
func resolveRopeScaling(maxPosition int, p *RopeParams) *RopeScaling {
	if p == nil {
		return nil
	}
	ropeType := strings.ToLower(strings.TrimSpace(p.RopeType))
	if ropeType == "" {
		ropeType = strings.ToLower(strings.TrimSpace(p.Type))
	}
	if ropeType == "" || ropeType == "default" {
		if p.Factor <= 0 {
			return nil
		}
		ropeType = "linear"
	}
	switch ropeType {
	case "linear", "llama3", "yarn":
	default:
		return nil
	}

	out := &RopeScaling{
		Type:            ropeType,
		Factor:          p.Factor,
		OrigMaxCtx:      p.OriginalMaxPositionEmbeddings,
		LowFactor:       p.LowFreqFactor,
		HighFactor:      p.HighFreqFactor,
		AttentionFactor: p.AttentionFactor,
		BetaFast:        p.BetaFast,
		BetaSlow:        p.BetaSlow,
		MScale:          p.MScale,
		MScaleAllDim:    p.MScaleAllDim,
		Truncate:        true,
	}
	if p.Truncate != nil {
		out.Truncate = *p.Truncate
	}
	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = maxPosition
	}
	if out.LowFactor <= 0 {
		out.LowFactor = 1
	}
	if out.HighFactor <= 0 {
		out.HighFactor = out.LowFactor
	}
	if out.BetaFast <= 0 {
		out.BetaFast = 32
	}
	if out.BetaSlow <= 0 {
		out.BetaSlow = 1
	}
	if out.Factor <= 0 && out.OrigMaxCtx > 0 && maxPosition > out.OrigMaxCtx {
		out.Factor = float64(maxPosition) / float64(out.OrigMaxCtx)
	}
	if out.Factor <= 0 {
		out.Factor = 1
	}
	if out.AttentionFactor <= 0 {
		out.AttentionFactor = 1
		if out.Type == "yarn" {
			out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
		}
	}
	return out
}

// ropeFrequencies returns the per-pair inverse frequencies for a head of
// headDim and the factor applied to cos/sin (1 unless yarn is active).
func ropeFrequencies(headDim int, theta float64, rs *RopeScaling) ([]float64, float64) {
	if theta <= 0 {
		theta = 10_000
	}
	invFreq := make([]float64, headDim/2)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	if rs == nil {
		return invFreq, 1
	}
	switch rs.Type {
	case "llama3":
		applyLlama3Scaling(invFreq, rs.Factor, float64(rs.OrigMaxCtx), rs.LowFactor, rs.HighFactor)
	case "yarn":
		applyYarnScaling(invFreq, theta, rs.Factor, float64(rs.OrigMaxCtx), rs.BetaFast, rs.BetaSlow, rs.Truncate)
	default:
		if rs.Factor != 1 {
			for i := range invFreq {
				invFreq[i] /= rs.Factor
			}
		}
	}
	return invFreq, rs.AttentionFactor
}

func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 1 || origCtx <= 0 {
		return
	}
	if highFactor <= lowFactor {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := 2 * math.Pi / f
		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	getMScale := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}
	if mscale > 0 && mscaleAllDim > 0 {
		return getMScale(factor, mscale) / getMScale(factor, mscaleAllDim)
	}
	return getMScale(factor, mscale)
}

func applyYarnScaling(invFreq []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}

	dim := float64(len(invFreq) * 2)
	correctionDim := func(rotations float64) float64 {
		return dim * math.Log(origCtx/(rotations*2*math.Pi)) / (2 * math.Log(base))
	}
	low := correctionDim(betaFast)
	high := correctionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := (float64(i) - low) / (high - low)
		ramp = min(max(ramp, 0), 1)
		invFreq[i] = f/factor*ramp + f*(1-ramp)
	}
}
