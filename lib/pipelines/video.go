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
	"errors"
	"fmt"
	"image"
	"image/gif"

	"golang.org/x/image/draw"
)

// ErrNoFrames is returned for videos without decodable frames.
var ErrNoFrames = errors.New("video has no frames")

// Video is a decoded clip.
type Video struct {
	Frames []image.Image
}

// DecodeVideo decodes an animated GIF into its composited frames. Any other
// still image becomes a one-frame video.
func DecodeVideo(data []byte, mimeType string) (*Video, error) {
	if mimeType == "image/gif" || bytes.HasPrefix(data, []byte("GIF8")) {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding gif: %w", err)
		}
		return &Video{Frames: compositeGIF(g)}, nil
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return &Video{Frames: []image.Image{img}}, nil
}

// compositeGIF renders every GIF frame onto a running canvas, since frames
// after the first usually only carry the changed region.
func compositeGIF(g *gif.GIF) []image.Image {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() && len(g.Image) > 0 {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	frames := make([]image.Image, 0, len(g.Image))
	for i, frame := range g.Image {
		var saved *image.RGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = image.NewRGBA(bounds)
			draw.Draw(saved, bounds, canvas, bounds.Min, draw.Src)
		}
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		snapshot := image.NewRGBA(bounds)
		draw.Draw(snapshot, bounds, canvas, bounds.Min, draw.Src)
		frames = append(frames, snapshot)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	return frames
}

// VideoProcessor samples a fixed number of frames per clip and returns
// pixel_values [B,3,T,H,W].
type VideoProcessor struct {
	Image     *ImageProcessor
	NumFrames int
}

// NewVideoProcessor creates a VideoProcessor sampling numFrames frames.
func NewVideoProcessor(config *ImageConfig, numFrames int) *VideoProcessor {
	if numFrames <= 0 {
		numFrames = 8
	}
	return &VideoProcessor{Image: NewImageProcessor(config), NumFrames: numFrames}
}

func (p *VideoProcessor) Process(ctx context.Context, items []Item) (Batch, error) {
	videos := make([]*Video, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := DecodeVideo(item.Data, item.MIMEType)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		videos[i] = v
	}
	return p.Preprocess(ctx, videos)
}

// Preprocess samples and normalizes decoded videos. Clips shorter than
// NumFrames repeat frames.
func (p *VideoProcessor) Preprocess(ctx context.Context, videos []*Video) (Batch, error) {
	if len(videos) == 0 {
		return nil, fmt.Errorf("no videos")
	}
	size := p.Image.Config.CropSize
	t := p.NumFrames
	plane := size * size
	framePer := 3 * plane
	per := t * framePer
	pixels := make([]float32, len(videos)*per)
	scratch := make([]float32, framePer)

	for b, v := range videos {
		if len(v.Frames) == 0 {
			return nil, fmt.Errorf("video %d: %w", b, ErrNoFrames)
		}
		clip := pixels[b*per : (b+1)*per]
		for ti, idx := range linspace(len(v.Frames), t) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.Image.writeCHW(p.Image.Transform(v.Frames[idx]), scratch)
			// CHW frame into the C,T,H,W clip layout
			for c := 0; c < 3; c++ {
				copy(clip[c*t*plane+ti*plane:c*t*plane+(ti+1)*plane], scratch[c*plane:(c+1)*plane])
			}
		}
	}
	return Batch{{
		Name:  InputPixelValues,
		Shape: []int64{int64(len(videos)), 3, int64(t), int64(size), int64(size)},
		Data:  pixels,
	}}, nil
}
