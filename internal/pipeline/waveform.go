package pipeline

import (
	"encoding/binary"
	"math"

	"github.com/MimeLyc/video-pipeline/internal/media"
)

const (
	WaveformVersion         = 2
	WaveformSamplesPerPixel = 160
	WaveformBits            = 8
)

// Waveform is the peak document stored on a project.
type Waveform struct {
	Version         int       `json:"version"`
	Channels        int       `json:"channels"`
	SampleRate      int       `json:"sample_rate"`
	SamplesPerPixel int       `json:"samples_per_pixel"`
	Bits            int       `json:"bits"`
	Length          int       `json:"length"`
	Data            []float64 `json:"data"`
}

func newWaveform(data []float64) Waveform {
	return Waveform{
		Version:         WaveformVersion,
		Channels:        1,
		SampleRate:      media.AudioSampleRate,
		SamplesPerPixel: WaveformSamplesPerPixel,
		Bits:            WaveformBits,
		Length:          len(data),
		Data:            data,
	}
}

var placeholderPattern = []float64{0.1, 0.3, 0.5, 0.7, 0.4, 0.2}

// PlaceholderWaveform is used when the audio track cannot be decoded.
func PlaceholderWaveform() Waveform {
	data := make([]float64, 0, len(placeholderPattern)*17)
	for i := 0; i < 17; i++ {
		data = append(data, placeholderPattern...)
	}
	return newWaveform(data)
}

// peakReducer consumes little-endian float32 PCM and keeps the max absolute
// value of every window. Writes may split samples at any byte boundary.
type peakReducer struct {
	window  int
	partial [4]byte
	pending int
	count   int
	peak    float64
	data    []float64
}

func newPeakReducer(window int) *peakReducer {
	return &peakReducer{window: window}
}

func (r *peakReducer) Write(p []byte) (int, error) {
	written := len(p)
	if r.pending > 0 {
		n := copy(r.partial[r.pending:], p)
		r.pending += n
		p = p[n:]
		if r.pending < 4 {
			return written, nil
		}
		r.add(math.Float32frombits(binary.LittleEndian.Uint32(r.partial[:])))
		r.pending = 0
	}
	for len(p) >= 4 {
		r.add(math.Float32frombits(binary.LittleEndian.Uint32(p[:4])))
		p = p[4:]
	}
	r.pending = copy(r.partial[:], p)
	return written, nil
}

func (r *peakReducer) add(sample float32) {
	v := math.Abs(float64(sample))
	if v > r.peak {
		r.peak = v
	}
	r.count++
	if r.count == r.window {
		r.flush()
	}
}

func (r *peakReducer) flush() {
	r.data = append(r.data, clampUnit(r.peak))
	r.peak = 0
	r.count = 0
}

// Waveform closes the trailing partial window and returns the document.
func (r *peakReducer) Waveform() Waveform {
	if r.count > 0 {
		r.flush()
	}
	data := r.data
	if data == nil {
		data = []float64{}
	}
	return newWaveform(data)
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
