package detect

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	// smallFrameWidth is the width below which frames are upscaled 3x instead of 2x.
	smallFrameWidth = 800
	contrastBoost   = 60
	binarizeCutoff  = 128
)

// Strategy is one image preparation tried before decoding.
type Strategy struct {
	Name  string
	Apply func(image.Image) image.Image
}

// Strategies are tried in order until one decodes.
var Strategies = []Strategy{
	{Name: "raw", Apply: func(img image.Image) image.Image { return img }},
	{Name: "upscale", Apply: upscale},
	{Name: "invert", Apply: func(img image.Image) image.Image { return imaging.Invert(img) }},
	{Name: "contrast", Apply: func(img image.Image) image.Image { return imaging.AdjustContrast(img, contrastBoost) }},
	{Name: "binarize", Apply: binarize},
}

func upscale(img image.Image) image.Image {
	b := img.Bounds()
	factor := 2
	if b.Dx() < smallFrameWidth {
		factor = 3
	}
	return imaging.Resize(img, b.Dx()*factor, b.Dy()*factor, imaging.Linear)
}

func binarize(img image.Image) image.Image {
	return imaging.AdjustFunc(imaging.Grayscale(img), func(c color.NRGBA) color.NRGBA {
		if c.R >= binarizeCutoff {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{A: c.A}
	})
}
