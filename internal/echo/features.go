package echo

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	cepstralCoefficients = 13
	logFloor             = 1e-10
)

// Features summarises one audio segment.
type Features struct {
	RMS float64
	// ZCR is zero crossings per second.
	ZCR float64
	// Spectrum is the unit-normalised magnitude spectrum.
	Spectrum []float64
	// Cepstrum holds the low quefrency coefficients, c0 excluded.
	Cepstrum []float64
	// Waveform is a mean-removed prefix kept for cross-correlation.
	Waveform []float64
}

// Extract computes features from mono samples in [-1, 1]. window bounds the
// samples used for the spectral and waveform features; 0 uses them all.
func Extract(samples []float64, sampleRate, window int) Features {
	if len(samples) == 0 || sampleRate <= 0 {
		return Features{}
	}
	f := Features{
		RMS: rms(samples),
		ZCR: zeroCrossings(samples) * float64(sampleRate) / float64(len(samples)),
	}

	seg := samples
	if window > 0 && len(seg) > window {
		seg = seg[:window]
	}
	if len(seg) < 4 {
		return f
	}

	wave := make([]float64, len(seg))
	copy(wave, seg)
	floats.AddConst(-stat.Mean(wave, nil), wave)
	f.Waveform = wave

	fft := fourier.NewFFT(len(seg))
	coeffs := fft.Coefficients(nil, hann(seg))
	mags := make([]float64, len(coeffs))
	logs := make([]complex128, len(coeffs))
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c)
		logs[i] = complex(math.Log(mags[i]+logFloor), 0)
	}
	f.Spectrum = unit(mags)

	ceps := fft.Sequence(nil, logs)
	n := cepstralCoefficients
	if n >= len(ceps) {
		n = len(ceps) - 1
	}
	f.Cepstrum = make([]float64, n)
	for i := 0; i < n; i++ {
		f.Cepstrum[i] = ceps[i+1] / float64(len(seg))
	}
	return f
}

func rms(x []float64) float64 {
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

func zeroCrossings(x []float64) float64 {
	var n int
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			n++
		}
	}
	return float64(n)
}

func hann(x []float64) []float64 {
	out := make([]float64, len(x))
	last := float64(len(x) - 1)
	for i, v := range x {
		out[i] = v * 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/last))
	}
	return out
}

func unit(x []float64) []float64 {
	norm := floats.Norm(x, 2)
	if norm == 0 {
		return x
	}
	floats.Scale(1/norm, x)
	return x
}

// cosine is the cosine similarity over the common prefix of a and b.
func cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	a, b = a[:n], b[:n]
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// crossCorrelation is the peak normalised cross-correlation for lags up
// to maxLag in either direction.
func crossCorrelation(a, b []float64, maxLag int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	best := 0.0
	for lag := -maxLag; lag <= maxLag; lag++ {
		var x, y []float64
		if lag >= 0 {
			if lag >= len(b) {
				continue
			}
			x, y = a, b[lag:]
		} else {
			if -lag >= len(a) {
				continue
			}
			x, y = a[-lag:], b
		}
		n := min(len(x), len(y))
		if n < 2 {
			continue
		}
		x, y = x[:n], y[:n]
		den := floats.Norm(x, 2) * floats.Norm(y, 2)
		if den == 0 {
			continue
		}
		if c := floats.Dot(x, y) / den; c > best {
			best = c
		}
	}
	return best
}

// closeness maps a relative difference to [0, 1], 1 meaning equal.
func closeness(value, ref float64) float64 {
	if ref == 0 {
		if value == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-math.Abs(value-ref)/ref)
}
