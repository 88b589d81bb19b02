// Package dataset turns directories of video frames into cuboid datasets for
// the reconstruction models.
package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// Video is a sequence of grayscale frames, each flattened row-major with
// values in [0,1].
type Video [][]float64

var frameExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

func isFrame(name string) bool {
	return frameExt[strings.ToLower(filepath.Ext(name))]
}

// LoadFrames reads every video under dir. Each sub-directory, in name order,
// is one video whose frames are its image files in name order. A directory
// holding image files directly is a single video. Frames are converted to
// grayscale and resized to width x height with bilinear interpolation.
func LoadFrames(dir string, width, height int) ([]Video, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %dx%d", width, height)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read video dir: %w", err)
	}

	var subdirs, files []string
	for _, e := range entries {
		switch {
		case e.IsDir():
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
		case isFrame(e.Name()):
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) > 0 {
		v, err := loadVideo(files, width, height)
		if err != nil {
			return nil, err
		}
		return []Video{v}, nil
	}

	sort.Strings(subdirs)
	var videos []Video
	for _, sub := range subdirs {
		entries, err := os.ReadDir(sub)
		if err != nil {
			return nil, fmt.Errorf("read video %s: %w", sub, err)
		}
		var frames []string
		for _, e := range entries {
			if !e.IsDir() && isFrame(e.Name()) {
				frames = append(frames, filepath.Join(sub, e.Name()))
			}
		}
		if len(frames) == 0 {
			log.Debug().Str("dir", sub).Msg("skipping directory without frames")
			continue
		}
		v, err := loadVideo(frames, width, height)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	if len(videos) == 0 {
		return nil, fmt.Errorf("no frames found in %s", dir)
	}
	log.Debug().Str("dir", dir).Int("videos", len(videos)).Msg("frames loaded")
	return videos, nil
}

func loadVideo(paths []string, width, height int) (Video, error) {
	sort.Strings(paths)
	v := make(Video, len(paths))
	for i, p := range paths {
		f, err := loadFrame(p, width, height)
		if err != nil {
			return nil, err
		}
		v[i] = f
	}
	return v, nil
}

func loadFrame(path string, width, height int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", path, err)
	}
	return GrayFrame(src, width, height), nil
}

// GrayFrame resizes img to width x height, converts it to grayscale and
// scales the intensities to [0,1].
func GrayFrame(img image.Image, width, height int) []float64 {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	out := make([]float64, width*height)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width]
		for x, p := range row {
			out[y*width+x] = float64(p) / 255
		}
	}
	return out
}
