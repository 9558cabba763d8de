package intake

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// PlaceholderName is served for students without a profile image.
const PlaceholderName = "default.png"

const placeholderSize = 150

// EnsurePlaceholder writes a neutral avatar to the uploads directory unless one is already there.
func (s *Store) EnsurePlaceholder() error {
	path := filepath.Join(s.absBasePath, PlaceholderName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat placeholder: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create placeholder: %w", err)
	}
	if err := png.Encode(f, placeholderImage()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode placeholder: %w", err)
	}
	return f.Close()
}

// placeholderImage draws a grey head-and-shoulders silhouette on a light background.
func placeholderImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	bg := color.RGBA{R: 0xe5, G: 0xe7, B: 0xeb, A: 0xff}
	fg := color.RGBA{R: 0x9c, G: 0xa3, B: 0xaf, A: 0xff}

	head := image.Pt(placeholderSize/2, placeholderSize*2/5)
	headR := placeholderSize / 6
	body := image.Pt(placeholderSize/2, placeholderSize)
	bodyR := placeholderSize * 2 / 5

	for y := 0; y < placeholderSize; y++ {
		for x := 0; x < placeholderSize; x++ {
			c := bg
			if within(x, y, head, headR) || within(x, y, body, bodyR) {
				c = fg
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func within(x, y int, center image.Point, r int) bool {
	dx, dy := x-center.X, y-center.Y
	return dx*dx+dy*dy <= r*r
}
