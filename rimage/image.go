// Package rimage holds the small set of image helpers the estimators and plots need: pixel sampling
// with bounds checks, file loading and captions.
package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	_ "github.com/lmittmann/ppm" // register ppm
	"github.com/pkg/errors"
)

// In reports whether the integer pixel (x, y) lies inside the image bounds.
func In(img image.Image, x, y int) bool {
	return image.Pt(x, y).In(img.Bounds())
}

// PixelColor returns the color of the pixel containing pt. Sub-pixel coordinates are floored, so
// (10.7, 3.2) samples pixel (10, 3). The second return is false when pt falls outside the image.
func PixelColor(img image.Image, pt r2.Point) (color.NRGBA, bool) {
	if img == nil || !pointIsFinite(pt) {
		return color.NRGBA{}, false
	}
	x, y := int(math.Floor(pt.X)), int(math.Floor(pt.Y))
	if !In(img, x, y) {
		return color.NRGBA{}, false
	}
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA), true
}

// NearestNeighborColor returns the color of the pixel whose center is closest to pt, or nil when
// that pixel is outside the image.
func NearestNeighborColor(pt r2.Point, img image.Image) *color.NRGBA {
	if !pointIsFinite(pt) {
		return nil
	}
	x, y := int(math.Round(pt.X)), int(math.Round(pt.Y))
	if !In(img, x, y) {
		return nil
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return &c
}

// NewImageFromFile decodes the image at fn into an NRGBA buffer. Any registered format is
// accepted, including the netpbm ppm files many datasets ship frames as.
func NewImageFromFile(fn string) (*image.NRGBA, error) {
	img, err := imaging.Open(fn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open image %q", fn)
	}
	return imaging.Clone(img), nil
}

// WriteImageToFile encodes img to fn, picking the format from the file extension.
func WriteImageToFile(fn string, img image.Image) error {
	return errors.Wrapf(imaging.Save(img, fn), "cannot write image %q", fn)
}

func pointIsFinite(pt r2.Point) bool {
	return !math.IsNaN(pt.X) && !math.IsNaN(pt.Y) && !math.IsInf(pt.X, 0) && !math.IsInf(pt.Y, 0)
}
