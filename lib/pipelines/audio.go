// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AudioConfig holds the fbank parameters of the audio encoder.
type AudioConfig struct {
	SampleRate    int
	NumMelBins    int
	TargetLength  int
	FrameLengthMs float64
	FrameShiftMs  float64
	PreEmphasis   float64
	LowFreq       float64
	// Mean and Std normalize the log-mel values as (x - Mean) / (2 * Std).
	Mean float64
	Std  float64
}

// DefaultAudioConfig returns the 16 kHz, 128-bin, 1024-frame setup.
func DefaultAudioConfig() *AudioConfig {
	return &AudioConfig{
		SampleRate:    16000,
		NumMelBins:    128,
		TargetLength:  1024,
		FrameLengthMs: 25,
		FrameShiftMs:  10,
		PreEmphasis:   0.97,
		LowFreq:       20,
		Mean:          -4.2677393,
		Std:           4.5689974,
	}
}

// float32 machine epsilon, the floor applied before the log.
const melEpsilon = 1.1920929e-07

// AudioProcessor turns WAV files into three stacked log-mel views,
// pixel_values [B,3,TargetLength,NumMelBins].
type AudioProcessor struct {
	Config *AudioConfig

	frameLength int
	frameShift  int
	paddedSize  int
	window      []float64
	melBanks    [][]float64
	fft         *fourier.FFT
}

// NewAudioProcessor creates an AudioProcessor and precomputes its window
// and mel filter bank.
func NewAudioProcessor(config *AudioConfig) *AudioProcessor {
	if config == nil {
		config = DefaultAudioConfig()
	}
	ap := &AudioProcessor{Config: config}
	ap.frameLength = int(float64(config.SampleRate) * config.FrameLengthMs / 1000)
	ap.frameShift = int(float64(config.SampleRate) * config.FrameShiftMs / 1000)
	ap.paddedSize = 1
	for ap.paddedSize < ap.frameLength {
		ap.paddedSize *= 2
	}
	ap.window = hannWindow(ap.frameLength)
	ap.melBanks = ap.computeMelBanks()
	ap.fft = fourier.NewFFT(ap.paddedSize)
	return ap
}

func (ap *AudioProcessor) Process(ctx context.Context, items []Item) (Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no audio")
	}
	cfg := ap.Config
	per := 3 * cfg.TargetLength * cfg.NumMelBins
	values := make([]float32, len(items)*per)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := LoadWAV(item.Data, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if err := ap.writeViews(samples, values[i*per:(i+1)*per]); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return Batch{{
		Name:  InputPixelValues,
		Shape: []int64{int64(len(items)), 3, int64(cfg.TargetLength), int64(cfg.NumMelBins)},
		Data:  values,
	}}, nil
}

// ProcessSamples returns the three normalized views, [3,TargetLength,NumMelBins]
// flattened, for mono samples already at the target rate.
func (ap *AudioProcessor) ProcessSamples(samples []float32) ([]float32, error) {
	out := make([]float32, 3*ap.Config.TargetLength*ap.Config.NumMelBins)
	if err := ap.writeViews(samples, out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeViews computes the fbank and fills dst with three views of
// TargetLength frames. Short clips are zero padded and repeated; long clips
// contribute their front, middle and back windows.
func (ap *AudioProcessor) writeViews(samples []float32, dst []float32) error {
	cfg := ap.Config
	mel := ap.Fbank(samples)
	if len(mel) == 0 {
		return fmt.Errorf("audio shorter than one %gms frame", cfg.FrameLengthMs)
	}
	n := len(mel)
	target := cfg.TargetLength
	starts := [3]int{0, 0, 0}
	if n > target {
		starts = [3]int{0, (n - target) / 2, n - target}
	}
	view := target * cfg.NumMelBins
	scale := 1 / (2 * cfg.Std)
	for v, start := range starts {
		out := dst[v*view : (v+1)*view]
		for t := 0; t < target; t++ {
			row := out[t*cfg.NumMelBins : (t+1)*cfg.NumMelBins]
			src := start + t
			for m := range row {
				x := 0.0
				if src < n {
					x = mel[src][m]
				}
				row[m] = float32((x - cfg.Mean) * scale)
			}
		}
	}
	return nil
}

// Fbank computes Kaldi-compatible log mel filter bank energies, one row per
// frame. Frames that do not fit entirely are dropped.
func (ap *AudioProcessor) Fbank(samples []float32) [][]float64 {
	if len(samples) < ap.frameLength {
		return nil
	}
	wave := make([]float64, len(samples))
	var mean float64
	for i, s := range samples {
		wave[i] = float64(s)
		mean += wave[i]
	}
	mean /= float64(len(wave))
	for i := range wave {
		wave[i] -= mean
	}

	numFrames := 1 + (len(wave)-ap.frameLength)/ap.frameShift
	frame := make([]float64, ap.paddedSize)
	coeffs := make([]complex128, ap.paddedSize/2+1)
	power := make([]float64, len(coeffs))
	out := make([][]float64, numFrames)

	for f := 0; f < numFrames; f++ {
		start := f * ap.frameShift
		clear(frame)
		copy(frame, wave[start:start+ap.frameLength])
		ap.prepareFrame(frame[:ap.frameLength])

		coeffs = ap.fft.Coefficients(coeffs, frame)
		for i, c := range coeffs {
			power[i] = real(c)*real(c) + imag(c)*imag(c)
		}

		row := make([]float64, ap.Config.NumMelBins)
		for m, bank := range ap.melBanks {
			var e float64
			for i, w := range bank {
				e += w * power[i]
			}
			row[m] = math.Log(max(e, melEpsilon))
		}
		out[f] = row
	}
	return out
}

// prepareFrame removes the DC offset, applies pre-emphasis and the window.
func (ap *AudioProcessor) prepareFrame(x []float64) {
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	for i := range x {
		x[i] -= mean
	}
	k := ap.Config.PreEmphasis
	for i := len(x) - 1; i > 0; i-- {
		x[i] -= k * x[i-1]
	}
	x[0] -= k * x[0]
	for i := range x {
		x[i] *= ap.window[i]
	}
}

// computeMelBanks builds triangular filters on the Kaldi mel scale. Each
// bank covers the paddedSize/2+1 power bins; the Nyquist bin weight is 0.
func (ap *AudioProcessor) computeMelBanks() [][]float64 {
	cfg := ap.Config
	nyquist := float64(cfg.SampleRate) / 2
	melLow := kaldiMel(cfg.LowFreq)
	melHigh := kaldiMel(nyquist)
	delta := (melHigh - melLow) / float64(cfg.NumMelBins+1)
	binWidth := float64(cfg.SampleRate) / float64(ap.paddedSize)

	banks := make([][]float64, cfg.NumMelBins)
	for m := range banks {
		left := melLow + float64(m)*delta
		center := left + delta
		right := center + delta
		bank := make([]float64, ap.paddedSize/2+1)
		for i := 0; i < ap.paddedSize/2; i++ {
			mel := kaldiMel(binWidth * float64(i))
			switch {
			case mel > left && mel <= center:
				bank[i] = (mel - left) / (center - left)
			case mel > center && mel < right:
				bank[i] = (right - mel) / (right - center)
			}
		}
		banks[m] = bank
	}
	return banks
}

func kaldiMel(freq float64) float64 {
	return 1127 * math.Log(1+freq/700)
}

// hannWindow is the symmetric Hann window Kaldi calls "hanning".
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// LoadWAV parses a PCM or IEEE-float WAV file and returns mono samples in
// [-1, 1] at the requested rate.
func LoadWAV(data []byte, targetRate int) ([]float32, error) {
	reader := bytes.NewReader(data)

	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(reader, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("reading RIFF header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	var format struct {
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}
	var haveFormat bool
	var pcm []byte

	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(reader, binary.LittleEndian, &chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		switch string(chunk.ID[:]) {
		case "fmt ":
			if err := binary.Read(reader, binary.LittleEndian, &format); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			haveFormat = true
			if extra := int64(chunk.Size) - 16; extra > 0 {
				if _, err := reader.Seek(extra, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
		case "data":
			size := min(int(chunk.Size), reader.Len())
			pcm = make([]byte, size)
			if _, err := io.ReadFull(reader, pcm); err != nil {
				return nil, fmt.Errorf("reading data chunk: %w", err)
			}
		default:
			if _, err := reader.Seek(int64(chunk.Size), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		// chunks are word aligned
		if chunk.Size%2 == 1 && reader.Len() > 0 {
			_, _ = reader.ReadByte()
		}
	}

	if !haveFormat {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if pcm == nil {
		return nil, fmt.Errorf("no audio data found")
	}
	if format.NumChannels == 0 {
		return nil, fmt.Errorf("zero channels")
	}

	const (
		formatPCM        = 1
		formatFloat      = 3
		formatExtensible = 0xFFFE
	)
	isFloat := format.AudioFormat == formatFloat
	if !isFloat && format.AudioFormat != formatPCM && format.AudioFormat != formatExtensible {
		return nil, fmt.Errorf("unsupported audio format %d", format.AudioFormat)
	}

	samples, err := decodeSamples(pcm, int(format.BitsPerSample), int(format.NumChannels), isFloat)
	if err != nil {
		return nil, err
	}
	return resample(samples, int(format.SampleRate), targetRate), nil
}

// decodeSamples converts interleaved little-endian frames to mono float32.
func decodeSamples(data []byte, bits, channels int, isFloat bool) ([]float32, error) {
	width := bits / 8
	if width == 0 || (isFloat && bits != 32) {
		return nil, fmt.Errorf("unsupported bits per sample: %d", bits)
	}
	stride := width * channels
	n := len(data) / stride
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			b := data[i*stride+ch*width:]
			var s float64
			switch {
			case isFloat:
				s = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			case bits == 8:
				// 8-bit WAV is unsigned
				s = (float64(b[0]) - 128) / 128
			case bits == 16:
				s = float64(int16(binary.LittleEndian.Uint16(b))) / 32768
			case bits == 24:
				v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
				if v&0x800000 != 0 {
					v |= -0x1000000
				}
				s = float64(v) / 8388608
			case bits == 32:
				s = float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
			default:
				return nil, fmt.Errorf("unsupported bits per sample: %d", bits)
			}
			sum += s
		}
		out[i] = float32(sum / float64(channels))
	}
	return out, nil
}

// resample performs linear interpolation resampling.
func resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		switch {
		case idx+1 < len(samples):
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		case idx < len(samples):
			out[i] = samples[idx]
		}
	}
	return out
}
