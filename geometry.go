package pgraster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// GeoTransform maps pixel to world coordinates:
//
//	Xgeo = gt[0] + px*gt[1] + py*gt[2]
//	Ygeo = gt[3] + px*gt[4] + py*gt[5]
type GeoTransform [6]float64

// Apply converts pixel coordinates to world coordinates.
func (gt GeoTransform) Apply(px, py float64) orb.Point {
	return orb.Point{
		gt[0] + px*gt[1] + py*gt[2],
		gt[3] + px*gt[4] + py*gt[5],
	}
}

// Invert converts world coordinates back to pixel coordinates.
func (gt GeoTransform) Invert(p orb.Point) (float64, float64, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return 0, 0, fmt.Errorf("geotransform is not invertible")
	}
	dx := p[0] - gt[0]
	dy := p[1] - gt[3]
	px := (dx*gt[5] - dy*gt[2]) / det
	py := (dy*gt[1] - dx*gt[4]) / det
	return px, py, nil
}

// Scaled returns the transform of a grid decimated by factor, sharing the
// same upper-left corner.
func (gt GeoTransform) Scaled(factor int) GeoTransform {
	if factor <= 1 {
		return gt
	}
	f := float64(factor)
	return GeoTransform{gt[0], gt[1] * f, gt[2] * f, gt[3], gt[4] * f, gt[5] * f}
}

// Shifted returns the transform whose pixel (0, 0) is pixel (xOff, yOff)
// of gt.
func (gt GeoTransform) Shifted(xOff, yOff int) GeoTransform {
	origin := gt.Apply(float64(xOff), float64(yOff))
	return GeoTransform{origin[0], gt[1], gt[2], origin[1], gt[4], gt[5]}
}

// UpperLeft returns the world coordinates of pixel (0, 0).
func (gt GeoTransform) UpperLeft() (xmin, ymax float64) {
	return gt[0], gt[3]
}

// WindowPolygon returns the closed ring ul, ur, lr, ll, ul bounding the pixel
// window in world coordinates.
func WindowPolygon(gt GeoTransform, xOff, yOff, xSize, ySize int) orb.Polygon {
	ulx, uly := float64(xOff), float64(yOff)
	lrx, lry := float64(xOff+xSize), float64(yOff+ySize)

	ul := gt.Apply(ulx, uly)
	ring := orb.Ring{
		ul,
		gt.Apply(lrx, uly),
		gt.Apply(lrx, lry),
		gt.Apply(ulx, lry),
		ul,
	}
	return orb.Polygon{ring}
}

// PolygonFromBounds creates a polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]}, // Bottom-left
		{bound.Max[0], bound.Min[1]}, // Bottom-right
		{bound.Max[0], bound.Max[1]}, // Top-right
		{bound.Min[0], bound.Max[1]}, // Top-left
		{bound.Min[0], bound.Min[1]}, // Close ring
	}

	return orb.Polygon{ring}
}

// pixelBounds represents pixel coordinate bounds
type pixelBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// geoToPixelBounds converts a world bound to the pixel bounds it covers under
// gt. Rotated transforms are handled by inverting all four corners.
func geoToPixelBounds(gt GeoTransform, bound orb.Bound) (pixelBounds, error) {
	corners := [4]orb.Point{
		{bound.Min[0], bound.Max[1]},
		{bound.Max[0], bound.Max[1]},
		{bound.Max[0], bound.Min[1]},
		{bound.Min[0], bound.Min[1]},
	}
	pb := pixelBounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	for _, c := range corners {
		px, py, err := gt.Invert(c)
		if err != nil {
			return pixelBounds{}, err
		}
		pb.MinX = math.Min(pb.MinX, px)
		pb.MaxX = math.Max(pb.MaxX, px)
		pb.MinY = math.Min(pb.MinY, py)
		pb.MaxY = math.Max(pb.MaxY, py)
	}
	return pb, nil
}

// roundHalfUp rounds by adding 0.5 and truncating toward zero.
func roundHalfUp(v float64) int {
	return int(v + 0.5)
}
