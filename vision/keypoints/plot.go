package keypoints

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/odometry/rimage"
)

const captionSize = 14

// DrawMatches places img1 and img2 side by side and joins each matched pair with a line. Matches
// flagged false in inliers (when given) are drawn in gray, and the inlier count is written on top.
func DrawMatches(img1, img2 image.Image, kps1, kps2 KeyPoints, matches []Match, inliers []bool) (image.Image, error) {
	if err := ValidateMatches(matches, len(kps1), len(kps2)); err != nil {
		return nil, err
	}
	if inliers != nil && len(inliers) != len(matches) {
		return nil, errors.Errorf("inlier mask has %d entries for %d matches", len(inliers), len(matches))
	}
	b1, b2 := img1.Bounds(), img2.Bounds()
	h := b1.Dy()
	if b2.Dy() > h {
		h = b2.Dy()
	}
	offset := float64(b1.Dx())

	dc := gg.NewContext(b1.Dx()+b2.Dx(), h)
	dc.DrawImage(img1, -b1.Min.X, -b1.Min.Y)
	dc.DrawImage(img2, b1.Dx()-b2.Min.X, -b2.Min.Y)
	dc.SetLineWidth(1)

	gray := colorful.Color{R: 0.5, G: 0.5, B: 0.5}
	for i, m := range matches {
		c := gray
		if inliers == nil || inliers[i] {
			// spread hues with the golden angle so neighbouring matches differ
			c = colorful.Hsv(math.Mod(float64(i)*137.508, 360), 0.9, 0.95)
		}
		r, g, b := c.RGB255()
		dc.SetRGB255(int(r), int(g), int(b))
		p1, p2 := kps1[m.Idx1], kps2[m.Idx2]
		dc.DrawLine(p1.X, p1.Y, p2.X+offset, p2.Y)
		dc.Stroke()
		dc.DrawCircle(p1.X, p1.Y, 2)
		dc.DrawCircle(p2.X+offset, p2.Y, 2)
		dc.Fill()
	}

	caption := fmt.Sprintf("%d matches", len(matches))
	if inliers != nil {
		caption = fmt.Sprintf("%d/%d inliers", lo.Count(inliers, true), len(matches))
	}
	rimage.DrawCaption(dc, caption, captionSize)
	return dc.Image(), nil
}

// PlotMatches draws the matches and saves the result as a PNG.
func PlotMatches(img1, img2 image.Image, kps1, kps2 KeyPoints, matches []Match, inliers []bool, outName string) error {
	img, err := DrawMatches(img1, img2, kps1, kps2, matches, inliers)
	if err != nil {
		return err
	}
	return gg.SavePNG(outName, img)
}
