// Package keypoints holds the feature correspondences the motion estimators consume and helpers to
// draw them for debugging. Detection and description happen upstream.
package keypoints

import (
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
)

// KeyPoints is a set of sub-pixel feature locations in one image.
type KeyPoints []r2.Point

// DrawKeypoints returns a copy of img with every keypoint marked by a translucent circle.
func DrawKeypoints(img image.Image, kps KeyPoints) image.Image {
	b := img.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)

	dc.SetRGBA(0, 0, 1, 0.5)
	for _, p := range kps {
		dc.DrawCircle(p.X, p.Y, 3.0)
		dc.Fill()
	}
	return dc.Image()
}

// PlotKeypoints plots keypoints on image and saves the result as a PNG.
func PlotKeypoints(img image.Image, kps KeyPoints, outName string) error {
	return gg.SavePNG(outName, DrawKeypoints(img, kps))
}
