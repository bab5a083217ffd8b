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
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageProcessor(t *testing.T) {
	p := NewImageProcessor(DefaultImageConfig(0))
	batch, err := p.Process(context.Background(), []Item{
		{Data: solidPNG(t, 300, 200, color.RGBA{255, 0, 0, 255})},
		{Data: solidPNG(t, 50, 80, color.RGBA{0, 0, 0, 255})},
	})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	px := batch[0]
	assert.Equal(t, InputPixelValues, px.Name)
	assert.Equal(t, []int64{2, 3, 224, 224}, px.Shape)

	data := px.Data.([]float32)
	plane := 224 * 224
	center := 112*224 + 112
	assert.InDelta(t, (1-CLIPMean[0])/CLIPStd[0], data[center], 1e-2)
	assert.InDelta(t, (0-CLIPMean[1])/CLIPStd[1], data[plane+center], 1e-2)
	second := 3 * plane
	assert.InDelta(t, (0-CLIPMean[2])/CLIPStd[2], data[second+2*plane+center], 1e-2)
}

func TestImageProcessorRejectsGarbage(t *testing.T) {
	p := NewImageProcessor(nil)
	_, err := p.Process(context.Background(), []Item{{Data: []byte("not an image")}})
	require.Error(t, err)
}

func TestResizeShortestEdge(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	out := resizeShortestEdge(img, 50, DefaultImageConfig(0).Interpolator)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	crop := centerCrop(out, 50)
	assert.Equal(t, image.Rect(0, 0, 50, 50), crop.Bounds())
}

func TestDepthProcessor(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray16(x, y, color.Gray16{Y: 5000}) // 5 m
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	p := NewDepthProcessor(DefaultDepthConfig(32, 10))
	batch, err := p.Process(context.Background(), []Item{{Data: buf.Bytes()}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 32, 32}, batch[0].Shape)

	data := batch[0].Data.([]float32)
	for c := 0; c < 3; c++ {
		assert.InDelta(t, (0.5-CLIPMean[c])/CLIPStd[c], data[c*32*32+16*32+16], 1e-3)
	}
}

func TestDepthClamp(t *testing.T) {
	p := NewDepthProcessor(DefaultDepthConfig(8, 10))
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 0})
	img.SetGray16(1, 0, color.Gray16{Y: 60000})

	scaled := p.scale(img)
	assert.InDelta(t, 0.001, float64(scaled.Gray16At(0, 0).Y)/65535, 1e-4)
	assert.Equal(t, uint16(65535), scaled.Gray16At(1, 0).Y)
}

func testGIF(t *testing.T, colors ...color.Color) []byte {
	t.Helper()
	palette := color.Palette(append([]color.Color{color.Black}, colors...))
	g := &gif.GIF{Config: image.Config{Width: 16, Height: 16, ColorModel: palette}}
	for i := range colors {
		frame := image.NewPaletted(image.Rect(0, 0, 16, 16), palette)
		for j := range frame.Pix {
			frame.Pix[j] = uint8(i + 1)
		}
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func TestDecodeVideo(t *testing.T) {
	v, err := DecodeVideo(testGIF(t, color.White, color.RGBA{255, 0, 0, 255}), "image/gif")
	require.NoError(t, err)
	require.Len(t, v.Frames, 2)
	r, _, _, _ := v.Frames[1].At(3, 3).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	still, err := DecodeVideo(solidPNG(t, 4, 4, color.White), "image/png")
	require.NoError(t, err)
	assert.Len(t, still.Frames, 1)
}

func TestVideoProcessor(t *testing.T) {
	data := testGIF(t,
		color.RGBA{255, 255, 255, 255},
		color.RGBA{0, 0, 0, 255},
		color.RGBA{255, 0, 0, 255},
	)
	p := NewVideoProcessor(DefaultImageConfig(8), 4)
	batch, err := p.Process(context.Background(), []Item{{Data: data, MIMEType: "image/gif"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 8, 8}, batch[0].Shape)

	px := batch[0].Data.([]float32)
	plane := 64
	at := func(c, frame int) float32 { return px[c*4*plane+frame*plane+4*8+4] }
	white := (1 - CLIPMean[0]) / CLIPStd[0]
	black := (0 - CLIPMean[0]) / CLIPStd[0]
	// linspace(3, 4) picks frames 0, 0, 1, 2
	assert.InDelta(t, white, at(0, 0), 1e-2)
	assert.InDelta(t, white, at(0, 1), 1e-2)
	assert.InDelta(t, black, at(0, 2), 1e-2)
	assert.InDelta(t, white, at(0, 3), 1e-2)
	assert.InDelta(t, (0-CLIPMean[1])/CLIPStd[1], at(1, 3), 1e-2)
}

func TestVideoProcessorNoFrames(t *testing.T) {
	p := NewVideoProcessor(DefaultImageConfig(8), 2)
	_, err := p.Preprocess(context.Background(), []*Video{{}})
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestLinspace(t *testing.T) {
	tests := []struct {
		total, n int
		want     []int
	}{
		{10, 8, []int{0, 1, 2, 3, 5, 6, 7, 9}},
		{3, 4, []int{0, 0, 1, 2}},
		{5, 1, []int{0}},
		{0, 4, nil},
		{62, 8, []int{0, 8, 17, 26, 34, 43, 52, 61}},
		{116, 8, []int{0, 16, 32, 49, 65, 82, 98, 115}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.total, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, linspace(tt.total, tt.n))
		})
	}

	for total := 2; total <= 2000; total++ {
		got := linspace(total, 8)
		require.Equal(t, total-1, got[7], "total=%d", total)
	}
}

// wav builds a PCM WAV file from interleaved samples in [-1, 1].
func wav(bits, channels, rate int, samples []float64) []byte {
	width := bits / 8
	var data []byte
	for _, s := range samples {
		switch bits {
		case 8:
			data = append(data, byte(int(s*127)+128))
		case 16:
			data = binary.LittleEndian.AppendUint16(data, uint16(int16(s*32767)))
		}
	}
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*width))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*width))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func sine(n, rate int, freq float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestLoadWAV(t *testing.T) {
	t.Run("stereo mixes to mono", func(t *testing.T) {
		samples, err := LoadWAV(wav(16, 2, 16000, []float64{0.5, -0.5, 0.25, 0.25}), 16000)
		require.NoError(t, err)
		require.Len(t, samples, 2)
		assert.InDelta(t, 0, samples[0], 1e-3)
		assert.InDelta(t, 0.25, samples[1], 1e-3)
	})
	t.Run("resamples", func(t *testing.T) {
		samples, err := LoadWAV(wav(8, 1, 8000, make([]float64, 800)), 16000)
		require.NoError(t, err)
		assert.Len(t, samples, 1600)
	})
	t.Run("rejects non-wav", func(t *testing.T) {
		_, err := LoadWAV([]byte("RIFF\x00\x00\x00\x00AVI "), 16000)
		require.Error(t, err)
	})
}

func TestAudioProcessor(t *testing.T) {
	p := NewAudioProcessor(nil)
	assert.Equal(t, 400, p.frameLength)
	assert.Equal(t, 160, p.frameShift)
	assert.Equal(t, 512, p.paddedSize)

	batch, err := p.Process(context.Background(), []Item{{Data: wav(16, 1, 16000, sine(16000, 16000, 440))}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 1024, 128}, batch[0].Shape)

	data := batch[0].Data.([]float32)
	view := 1024 * 128
	// 1 s of audio gives 98 frames; the rest is zero padding
	padded := float32(4.2677393 / (2 * 4.5689974))
	assert.InDelta(t, padded, data[500*128+3], 1e-5)
	assert.NotEqual(t, padded, data[10*128+3])
	assert.Equal(t, data[:view], data[view:2*view])
	assert.Equal(t, data[:view], data[2*view:])
}

func TestAudioProcessorLongClipViews(t *testing.T) {
	p := NewAudioProcessor(nil)
	n := 16000 * 12
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*float64(100+i/16000*200)*float64(i)/16000))
	}
	mel := p.Fbank(samples)
	require.Len(t, mel, 1+(n-400)/160)

	out, err := p.ProcessSamples(samples)
	require.NoError(t, err)
	view := 1024 * 128
	assert.NotEqual(t, out[:view], out[2*view:])
}

func TestFbankPeak(t *testing.T) {
	p := NewAudioProcessor(nil)
	mel := p.Fbank(float32s(sine(4000, 16000, 1000)))
	require.NotEmpty(t, mel)
	low := mel[5][2]
	var peak float64
	for _, v := range mel[5] {
		peak = math.Max(peak, v)
	}
	assert.Greater(t, peak, low)
}

func float32s(xs []float64) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(x)
	}
	return out
}

// wordTokenizer maps each whitespace-separated word to id 10+len(word).
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, w := range strings.Fields(text) {
		ids = append(ids, 10+len(w))
	}
	return ids
}

func (wordTokenizer) Decode([]int) string { return "" }

func (wordTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokBeginningOfSentence:
		return 1, nil
	case api.TokEndOfSentence:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown special token %d", int(token))
}

func TestLanguageProcessor(t *testing.T) {
	p := NewLanguageProcessor(wordTokenizer{}, &LanguageConfig{MaxLength: 6})
	batch, err := p.Process(context.Background(), []Item{
		{Text: "a dog"},
		{Text: "one two three four five six seven"},
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	ids, ok := batch.Get(InputIDs)
	require.True(t, ok)
	mask, ok := batch.Get(InputAttentionMask)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 6}, ids.Shape)
	// pad falls back to EOS
	assert.Equal(t, []int64{1, 11, 13, 2, 2, 2, 1, 13, 13, 15, 14, 2}, ids.Data)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0, 1, 1, 1, 1, 1, 1}, mask.Data)

	row, err := batch.Row(1)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Size())
	assert.Equal(t, []int64{1, 13, 13, 15, 14, 2}, row[0].Data)

	_, err = batch.Row(2)
	require.Error(t, err)
}

func TestLanguageProcessorKeepsExistingSpecials(t *testing.T) {
	p := NewLanguageProcessor(framedTokenizer{}, nil)
	assert.Equal(t, []int{1, 7, 2}, p.Encode("x"))
}

type framedTokenizer struct{ wordTokenizer }

func (framedTokenizer) Encode(string) []int { return []int{1, 7, 2} }

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 3, FirstNonZero(0, 3, 4))
	assert.Equal(t, 0, FirstNonZero())
}
