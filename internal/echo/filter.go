// Package echo decides whether speech heard on the far end is the prompt
// leaking back through the caller's speaker.
package echo

import (
	"sync"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
)

const maxLagSeconds = 0.05

// Verdict explains an IsProbableEcho decision.
type Verdict struct {
	Echo     bool
	Reason   string
	RMS      float64
	RefRMS   float64
	RMSClose float64
	ZCRClose float64
	Cepstral float64
	Spectral float64
	XCorr    float64
	Combined float64
}

// Filter compares captured audio with the cached prompt reference. It is
// safe for concurrent use; SetReference replaces the reference atomically.
type Filter struct {
	cfg config.EchoConfig
	log *zap.Logger

	mu   sync.RWMutex
	ref  *Features
	rate int
}

// New builds a filter with no reference.
func New(cfg config.EchoConfig, log *zap.Logger) *Filter {
	return &Filter{cfg: cfg, log: log}
}

// SetReference caches features of the robot's own output.
func (f *Filter) SetReference(samples []float64, sampleRate int) {
	if len(samples) == 0 || sampleRate <= 0 {
		f.mu.Lock()
		f.ref, f.rate = nil, 0
		f.mu.Unlock()
		return
	}
	feat := Extract(samples, sampleRate, f.cfg.ReferenceWindow)
	f.mu.Lock()
	f.ref, f.rate = &feat, sampleRate
	f.mu.Unlock()
}

// SetReferenceFile loads the reference from the first channel of a WAV
// file. An unreadable file clears the reference, so the filter fails open.
func (f *Filter) SetReferenceFile(path string) error {
	clip, err := LoadWAV(path, 0)
	if err != nil {
		f.SetReference(nil, 0)
		return err
	}
	f.SetReference(clip.Samples, clip.SampleRate)
	return nil
}

// HasReference reports whether a reference is cached.
func (f *Filter) HasReference() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ref != nil
}

// IsProbableEcho reports whether the captured far-end samples look like the
// prompt. Without a reference the answer is false.
func (f *Filter) IsProbableEcho(samples []float64) bool {
	return f.Analyze(samples).Echo
}

// Analyze scores captured samples against the reference. Captured samples
// are assumed to share the reference sample rate.
func (f *Filter) Analyze(samples []float64) Verdict {
	f.mu.RLock()
	ref, rate := f.ref, f.rate
	f.mu.RUnlock()

	if ref == nil || len(samples) == 0 {
		return Verdict{Reason: "no_reference"}
	}

	got := Extract(samples, rate, f.cfg.ReferenceWindow)
	v := Verdict{
		RMS:      got.RMS,
		RefRMS:   ref.RMS,
		RMSClose: closeness(got.RMS, ref.RMS),
		ZCRClose: closeness(got.ZCR, ref.ZCR),
	}

	switch {
	case f.cfg.LoudThreshold > 0 && got.RMS > f.cfg.LoudThreshold:
		v.Echo, v.Reason = true, "loud"
		return v
	case withinBand(got.RMS, ref.RMS, f.cfg.RMSTolerance):
		v.Echo, v.Reason = true, "rms_band"
		return v
	case withinBand(got.ZCR, ref.ZCR, f.cfg.ZCRTolerance):
		v.Echo, v.Reason = true, "zcr_band"
		return v
	}

	if !f.cfg.Advanced {
		v.Reason = "distinct"
		return v
	}

	v.Cepstral = cosine(got.Cepstrum, ref.Cepstrum)
	v.Spectral = cosine(got.Spectrum, ref.Spectrum)
	v.XCorr = crossCorrelation(ref.Waveform, got.Waveform, int(maxLagSeconds*float64(rate)))
	v.Combined = (v.RMSClose + v.ZCRClose + clamp01(v.Cepstral) + clamp01(v.Spectral) + clamp01(v.XCorr)) / 5

	switch {
	case above(v.Cepstral, f.cfg.CepstralMin):
		v.Echo, v.Reason = true, "cepstral"
	case above(v.Spectral, f.cfg.SpectralMin):
		v.Echo, v.Reason = true, "spectral"
	case above(v.XCorr, f.cfg.XCorrMin):
		v.Echo, v.Reason = true, "xcorr"
	case above(v.Combined, f.cfg.CombinedMin):
		v.Echo, v.Reason = true, "combined"
	default:
		v.Reason = "distinct"
	}
	if v.Echo {
		f.log.Debug("echo: suppressed", zap.String("reason", v.Reason), zap.Float64("combined", v.Combined))
	}
	return v
}

func withinBand(value, ref, tolerance float64) bool {
	if tolerance <= 0 || ref <= 0 {
		return false
	}
	diff := value - ref
	if diff < 0 {
		diff = -diff
	}
	return diff <= ref*tolerance
}

func above(value, threshold float64) bool {
	return threshold > 0 && value >= threshold
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
