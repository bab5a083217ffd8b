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
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// CLIP normalization constants (OpenAI).
var (
	CLIPMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	CLIPStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ImageConfig controls resize, crop and normalization.
type ImageConfig struct {
	// ShortestEdge is the target of the aspect-preserving resize.
	ShortestEdge int
	// CropSize is the side of the square center crop.
	CropSize      int
	RescaleFactor float32
	Mean          [3]float32
	Std           [3]float32
	// Interpolator defaults to bicubic (Catmull-Rom).
	Interpolator draw.Interpolator
}

// DefaultImageConfig returns the CLIP preprocessing at the given size.
func DefaultImageConfig(size int) *ImageConfig {
	if size <= 0 {
		size = 224
	}
	return &ImageConfig{
		ShortestEdge:  size,
		CropSize:      size,
		RescaleFactor: 1.0 / 255.0,
		Mean:          CLIPMean,
		Std:           CLIPStd,
		Interpolator:  draw.CatmullRom,
	}
}

// ImageProcessor handles image and thermal preprocessing.
type ImageProcessor struct {
	Config *ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *ImageConfig) *ImageProcessor {
	if config == nil {
		config = DefaultImageConfig(0)
	}
	if config.Interpolator == nil {
		config.Interpolator = draw.CatmullRom
	}
	return &ImageProcessor{Config: config}
}

// DecodeImage decodes any registered image format.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Process decodes each item and returns pixel_values [B,3,H,W].
func (p *ImageProcessor) Process(ctx context.Context, items []Item) (Batch, error) {
	images := make([]image.Image, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := DecodeImage(item.Data)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		images[i] = img
	}
	return p.Preprocess(images)
}

// Preprocess returns pixel_values [B,3,H,W] for decoded images.
func (p *ImageProcessor) Preprocess(images []image.Image) (Batch, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images")
	}
	size := p.Config.CropSize
	per := 3 * size * size
	pixels := make([]float32, len(images)*per)
	for i, img := range images {
		p.writeCHW(p.Transform(img), pixels[i*per:(i+1)*per])
	}
	return Batch{{
		Name:  InputPixelValues,
		Shape: []int64{int64(len(images)), 3, int64(size), int64(size)},
		Data:  pixels,
	}}, nil
}

// Transform resizes the shortest edge and center crops to CropSize.
func (p *ImageProcessor) Transform(img image.Image) *image.RGBA {
	resized := resizeShortestEdge(img, p.Config.ShortestEdge, p.Config.Interpolator)
	return centerCrop(resized, p.Config.CropSize)
}

// writeCHW rescales and normalizes an RGBA image into dst in channel-major
// order.
func (p *ImageProcessor) writeCHW(img *image.RGBA, dst []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	cfg := p.Config
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * cfg.RescaleFactor
				dst[c*plane+y*w+x] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}
}

// resizeShortestEdge scales img so that its shorter side equals edge,
// keeping the aspect ratio.
func resizeShortestEdge(img image.Image, edge int, interp draw.Interpolator) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var nw, nh int
	if w <= h {
		nw = edge
		nh = max(1, int(float64(h)*float64(edge)/float64(w)))
	} else {
		nh = edge
		nw = max(1, int(float64(w)*float64(edge)/float64(h)))
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	if nw == w && nh == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	interp.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// centerCrop cuts a size x size square from the middle of img. Images
// smaller than size are zero padded.
func centerCrop(img *image.RGBA, size int) *image.RGBA {
	b := img.Bounds()
	left := b.Min.X + (b.Dx()-size)/2
	top := b.Min.Y + (b.Dy()-size)/2
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(left, top), draw.Src)
	return dst
}
