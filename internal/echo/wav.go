package echo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned for files that are not PCM WAV.
var ErrNotWAV = errors.New("echo: not a wav file")

// Clip is mono audio scaled to [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
}

// LoadWAV decodes one channel of a PCM WAV file. A negative channel picks
// the last one.
func LoadWAV(path string, channel int) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("echo: open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("echo: decode %s: %w", path, err)
	}
	return fromBuffer(buf, channel), nil
}

func fromBuffer(buf *audio.IntBuffer, channel int) Clip {
	chans := 1
	rate := 0
	if buf.Format != nil {
		chans = max(buf.Format.NumChannels, 1)
		rate = buf.Format.SampleRate
	}
	if channel < 0 || channel >= chans {
		channel = chans - 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := math.Pow(2, float64(depth-1))

	out := make([]float64, 0, len(buf.Data)/chans)
	for i := channel; i < len(buf.Data); i += chans {
		out = append(out, float64(buf.Data[i])/scale)
	}
	return Clip{Samples: out, SampleRate: rate}
}

// Tail returns at most the last d of the clip.
func (c Clip) Tail(d time.Duration) Clip {
	n := int(d.Seconds() * float64(c.SampleRate))
	if n <= 0 || n >= len(c.Samples) {
		return c
	}
	return Clip{Samples: c.Samples[len(c.Samples)-n:], SampleRate: c.SampleRate}
}

// ReadTail decodes the last window of one channel of a WAV file that may
// still be growing. The header's data size is ignored: a recorder only
// fixes it up on close, so the file size decides where the audio ends.
func ReadTail(path string, channel int, window time.Duration) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("echo: open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil || d.NumChans < 1 || d.BitDepth < 8 || d.SampleRate == 0 {
		return Clip{}, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}
	if err := d.FwdToPCM(); err != nil {
		return Clip{}, fmt.Errorf("echo: seek pcm %s: %w", path, err)
	}
	dataStart, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Clip{}, fmt.Errorf("echo: seek pcm %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return Clip{}, fmt.Errorf("echo: stat %s: %w", path, err)
	}

	chans := int(d.NumChans)
	width := int(d.BitDepth) / 8
	frame := int64(chans * width)
	available := (info.Size() - dataStart) / frame
	want := int64(window.Seconds() * float64(d.SampleRate))
	if want <= 0 || want > available {
		want = available
	}
	if want <= 0 {
		return Clip{SampleRate: int(d.SampleRate)}, nil
	}

	if _, err := f.Seek(dataStart+(available-want)*frame, io.SeekStart); err != nil {
		return Clip{}, fmt.Errorf("echo: seek tail %s: %w", path, err)
	}
	raw := make([]byte, want*frame)
	n, err := io.ReadFull(f, raw)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Clip{}, fmt.Errorf("echo: read tail %s: %w", path, err)
	}
	raw = raw[:int64(n)/frame*frame]

	if channel < 0 || channel >= chans {
		channel = chans - 1
	}
	scale := math.Pow(2, float64(d.BitDepth-1))
	out := make([]float64, 0, len(raw)/int(frame))
	for off := channel * width; off+width <= len(raw); off += int(frame) {
		out = append(out, float64(pcmSample(raw[off:off+width]))/scale)
	}
	return Clip{Samples: out, SampleRate: int(d.SampleRate)}, nil
}

// pcmSample decodes one little-endian sample. 8-bit PCM is unsigned.
func pcmSample(b []byte) int32 {
	switch len(b) {
	case 1:
		return int32(b[0]) - 128
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return v << 8 >> 8
	default:
		return int32(binary.LittleEndian.Uint32(b))
	}
}

// FileCapture reads far-end audio recorded by the media server as
// <dir>/<channel id>.wav while the call is still in progress.
type FileCapture struct {
	Dir string
	// Channel selects the far-end channel of a stereo recording; negative
	// means the last.
	Channel int
}

// Path is where the recording for channelID is expected.
func (c FileCapture) Path(channelID string) string {
	return filepath.Join(c.Dir, channelID+".wav")
}

// Latest returns the last window of the channel's recording.
func (c FileCapture) Latest(channelID string, window time.Duration) ([]float64, error) {
	if c.Dir == "" {
		return nil, os.ErrNotExist
	}
	clip, err := ReadTail(c.Path(channelID), c.Channel, window)
	if err != nil {
		return nil, err
	}
	return clip.Samples, nil
}
