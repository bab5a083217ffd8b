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
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// DepthConfig controls depth map preprocessing.
type DepthConfig struct {
	Image *ImageConfig
	// MillimetreScale converts stored 16-bit values to metres.
	MillimetreScale float64
	MinDepth        float64
	MaxDepth        float64
}

// DefaultDepthConfig returns depth preprocessing at the given size with
// depths clamped to [0.01, maxDepth] metres.
func DefaultDepthConfig(size int, maxDepth float64) *DepthConfig {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &DepthConfig{
		Image:           DefaultImageConfig(size),
		MillimetreScale: 1000,
		MinDepth:        0.01,
		MaxDepth:        maxDepth,
	}
}

// DepthProcessor turns depth maps into 3-channel pixel_values.
//
// 16-bit grayscale maps are read as millimetres. 8-bit maps are taken as
// already scaled to [0, 1] of MaxDepth.
type DepthProcessor struct {
	Config *DepthConfig
}

// NewDepthProcessor creates a DepthProcessor.
func NewDepthProcessor(config *DepthConfig) *DepthProcessor {
	if config == nil {
		config = DefaultDepthConfig(0, 0)
	}
	if config.Image == nil {
		config.Image = DefaultImageConfig(0)
	}
	if config.Image.Interpolator == nil {
		config.Image.Interpolator = draw.CatmullRom
	}
	return &DepthProcessor{Config: config}
}

func (p *DepthProcessor) Process(ctx context.Context, items []Item) (Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no depth maps")
	}
	size := p.Config.Image.CropSize
	per := 3 * size * size
	pixels := make([]float32, len(items)*per)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := DecodeImage(item.Data)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		p.write(p.Transform(img), pixels[i*per:(i+1)*per])
	}
	return Batch{{
		Name:  InputPixelValues,
		Shape: []int64{int64(len(items)), 3, int64(size), int64(size)},
		Data:  pixels,
	}}, nil
}

// Transform scales depth into [0, 1], then resizes and center crops.
// Scaled depth is carried in a Gray16 image so the bicubic resampler can
// work on it.
func (p *DepthProcessor) Transform(img image.Image) *image.Gray16 {
	scaled := p.scale(img)
	cfg := p.Config.Image

	b := scaled.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := cfg.ShortestEdge, cfg.ShortestEdge
	if w <= h {
		nh = max(1, int(float64(h)*float64(nw)/float64(w)))
	} else {
		nw = max(1, int(float64(w)*float64(nh)/float64(h)))
	}
	resized := image.NewGray16(image.Rect(0, 0, nw, nh))
	cfg.Interpolator.Scale(resized, resized.Bounds(), scaled, b, draw.Src, nil)

	size := cfg.CropSize
	out := image.NewGray16(image.Rect(0, 0, size, size))
	left := (nw - size) / 2
	top := (nh - size) / 2
	draw.Draw(out, out.Bounds(), resized, image.Pt(left, top), draw.Src)
	return out
}

// scale converts raw depth to DepthNorm values in [0, 1].
func (p *DepthProcessor) scale(img image.Image) *image.Gray16 {
	cfg := p.Config
	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	wide := isSixteenBit(img)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
			var metres float64
			if wide {
				metres = float64(g) / cfg.MillimetreScale
			} else {
				metres = float64(g) / 65535 * cfg.MaxDepth
			}
			metres = min(max(metres, cfg.MinDepth), cfg.MaxDepth)
			out.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16{Y: uint16(metres / cfg.MaxDepth * 65535)})
		}
	}
	return out
}

func (p *DepthProcessor) write(img *image.Gray16, dst []float32) {
	cfg := p.Config.Image
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := float32(img.Gray16At(x, y).Y) / 65535
			for c := 0; c < 3; c++ {
				dst[c*plane+y*b.Dx()+x] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}
}

func isSixteenBit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}
