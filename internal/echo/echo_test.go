package echo

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
)

const rate = 8000

func testConfig(advanced bool) config.EchoConfig {
	return config.EchoConfig{
		Enabled:         true,
		Advanced:        advanced,
		LoudThreshold:   0.6,
		RMSTolerance:    0.2,
		ZCRTolerance:    0.15,
		CepstralMin:     0.9,
		SpectralMin:     0.9,
		XCorrMin:        0.7,
		CombinedMin:     0.75,
		ReferenceWindow: 4096,
	}
}

// tone is a sine with the requested RMS.
func tone(freq, targetRMS float64, n int) []float64 {
	out := make([]float64, n)
	amp := targetRMS * math.Sqrt2
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return out
}

func TestRMSBand(t *testing.T) {
	tests := []struct {
		name     string
		refRMS   float64
		capRMS   float64
		capFreq  float64
		wantEcho bool
	}{
		{name: "inside band", refRMS: 0.30, capRMS: 0.31, capFreq: 3000, wantEcho: true},
		{name: "outside band and quiet", refRMS: 0.10, capRMS: 0.50, capFreq: 3000, wantEcho: false},
		{name: "loud speaker", refRMS: 0.10, capRMS: 0.65, capFreq: 3000, wantEcho: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(testConfig(false), zap.NewNop())
			f.SetReference(tone(440, tt.refRMS, rate), rate)

			captured := tone(tt.capFreq, tt.capRMS, rate)
			v := f.Analyze(captured)
			assert.InDelta(t, tt.capRMS, v.RMS, 0.005)
			assert.Equal(t, tt.wantEcho, f.IsProbableEcho(captured), v.Reason)
		})
	}
}

func TestZCRBand(t *testing.T) {
	f := New(testConfig(false), zap.NewNop())
	f.SetReference(tone(1000, 0.1, rate), rate)

	v := f.Analyze(tone(1050, 0.5, rate))
	assert.True(t, v.Echo)
	assert.Equal(t, "zcr_band", v.Reason)
}

func TestMissingReferenceFailsOpen(t *testing.T) {
	f := New(testConfig(true), zap.NewNop())
	assert.False(t, f.IsProbableEcho(tone(440, 0.9, rate)))

	err := f.SetReferenceFile(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
	assert.False(t, f.HasReference())
	assert.False(t, f.IsProbableEcho(tone(440, 0.3, rate)))
}

func TestAdvancedRecognisesDelayedCopy(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ref := make([]float64, rate)
	for i := range ref {
		ref[i] = rng.NormFloat64() * 0.1
	}
	// attenuated copy delayed by 10ms
	delayed := make([]float64, len(ref))
	for i := 80; i < len(ref); i++ {
		delayed[i] = ref[i-80] * 0.4
	}

	cfg := testConfig(false)
	cfg.RMSTolerance, cfg.ZCRTolerance = 0, 0
	basic := New(cfg, zap.NewNop())
	basic.SetReference(ref, rate)
	assert.False(t, basic.IsProbableEcho(delayed))

	cfg.Advanced = true
	adv := New(cfg, zap.NewNop())
	adv.SetReference(ref, rate)
	v := adv.Analyze(delayed)
	assert.True(t, v.Echo)
	assert.Greater(t, v.XCorr, 0.9)
}

func TestAdvancedIgnoresUnrelatedNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	noise := func(scale float64) []float64 {
		out := make([]float64, rate)
		for i := range out {
			out[i] = rng.NormFloat64() * scale
		}
		return out
	}

	f := New(testConfig(true), zap.NewNop())
	f.SetReference(tone(300, 0.1, rate), rate)
	v := f.Analyze(noise(0.4))
	assert.Less(t, v.XCorr, 0.7)
	assert.Less(t, v.Spectral, 0.9)
}

func TestAnalyzeIsFast(t *testing.T) {
	f := New(testConfig(true), zap.NewNop())
	f.SetReference(tone(440, 0.2, rate), rate)
	captured := tone(900, 0.4, rate/2)

	start := time.Now()
	f.Analyze(captured)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func writeWAV(t *testing.T, path string, chans int, frames [][]float64) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	enc := wav.NewEncoder(out, rate, 16, chans, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: chans, SampleRate: rate}, SourceBitDepth: 16}
	for i := range frames[0] {
		for c := 0; c < chans; c++ {
			buf.Data = append(buf.Data, int(frames[c][i]*32767))
		}
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestLoadWAVAndCapture(t *testing.T) {
	dir := t.TempDir()
	robot := tone(440, 0.3, rate)
	caller := tone(2000, 0.05, rate)
	writeWAV(t, filepath.Join(dir, "chan-1.wav"), 2, [][]float64{robot, caller})

	clip, err := LoadWAV(filepath.Join(dir, "chan-1.wav"), 0)
	require.NoError(t, err)
	assert.Equal(t, rate, clip.SampleRate)
	require.Len(t, clip.Samples, rate)
	assert.InDelta(t, 0.3, rms(clip.Samples), 0.01)

	tail, err := FileCapture{Dir: dir, Channel: -1}.Latest("chan-1", 250*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, tail, rate/4)
	assert.InDelta(t, 0.05, rms(tail), 0.01)

	f := New(testConfig(false), zap.NewNop())
	require.NoError(t, f.SetReferenceFile(filepath.Join(dir, "chan-1.wav")))
	assert.True(t, f.HasReference())
}

// growRecording rewrites the header sizes to zero the way a recorder leaves
// them mid-call, then appends more stereo frames.
func growRecording(t *testing.T, path string, frames [][]float64) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	data := bytes.Index(raw, []byte("data"))
	require.Positive(t, data)
	binary.LittleEndian.PutUint32(raw[4:8], 0)
	binary.LittleEndian.PutUint32(raw[data+4:data+8], 0)

	var more bytes.Buffer
	for i := range frames[0] {
		for c := range frames {
			require.NoError(t, binary.Write(&more, binary.LittleEndian, int16(frames[c][i]*32767)))
		}
	}
	require.NoError(t, os.WriteFile(path, append(raw, more.Bytes()...), 0o644))
}

func TestCaptureReadsGrowingRecording(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan-1.wav")
	writeWAV(t, path, 2, [][]float64{tone(440, 0.3, rate), tone(2000, 0.05, rate)})
	growRecording(t, path, [][]float64{tone(440, 0.3, rate/2), tone(1000, 0.2, rate/2)})

	capture := FileCapture{Dir: dir, Channel: -1}
	tail, err := capture.Latest("chan-1", 250*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, tail, rate/4)
	assert.InDelta(t, 0.2, rms(tail), 0.01)

	clip, err := ReadTail(capture.Path("chan-1"), 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, clip.Samples, rate+rate/2)
	assert.InDelta(t, 0.3, rms(clip.Samples), 0.01)

	_, err = capture.Latest("chan-2", time.Second)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadTailRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	require.NoError(t, os.WriteFile(path, []byte("not audio at all, just text"), 0o644))
	_, err := ReadTail(path, 0, time.Second)
	require.ErrorIs(t, err, ErrNotWAV)
}
