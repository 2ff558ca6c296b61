package pgraster

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// SRIDs ReadTile can map web-map tiles into.
const (
	SRIDWGS84       = 4326
	SRIDWebMercator = 3857
)

// DefaultTileSize is the edge of a web-map tile in pixels.
const DefaultTileSize = 256

// TileData is the result of ReadTile: a packed size x size buffer of Type.
type TileData struct {
	Data   []byte
	Size   int
	Type   DataType
	Window Rectangle
	Bounds orb.Bound
}

// ReadTile reads a web-map tile from a level-0 band, resampled to size
// pixels (DefaultTileSize when size <= 0). The band's SRID must be 4326 or
// 3857. Parts of the tile outside the raster, and uncovered pixels, are
// filled with the band's nodata value (0 without one).
func ReadTile(ctx context.Context, b *Band, tile maptile.Tile, size int, bufType DataType) (*TileData, error) {
	if size <= 0 {
		size = DefaultTileSize
	}
	if bufType == Unknown {
		bufType = b.DataType()
	}

	srid := b.ds.srid
	// Tile bound in WGS84
	bound := tile.Bound()
	switch srid {
	case SRIDWGS84:
	case SRIDWebMercator:
		bound = wgs84ToMercator(bound)
	default:
		return nil, fmt.Errorf("unsupported SRID %d (only %d and %d are supported)", srid, SRIDWGS84, SRIDWebMercator)
	}

	pb, err := geoToPixelBounds(b.gt, bound)
	if err != nil {
		return nil, err
	}

	out := &TileData{
		Data:   make([]byte, size*size*bufType.Size()),
		Size:   size,
		Type:   bufType,
		Bounds: bound,
	}
	if nd, ok := b.NoData(); ok {
		Fill(out.Data, bufType, nd)
	}

	// Clamp to image bounds
	minX := math.Max(0, pb.MinX)
	minY := math.Max(0, pb.MinY)
	maxX := math.Min(float64(b.xSize), pb.MaxX)
	maxY := math.Min(float64(b.ySize), pb.MaxY)
	if minX >= maxX || minY >= maxY {
		return out, nil
	}

	win := Rectangle{X: int(math.Floor(minX)), Y: int(math.Floor(minY))}
	win.Width = int(math.Ceil(maxX)) - win.X
	win.Height = int(math.Ceil(maxY)) - win.Y
	out.Window = win

	// Place the clamped window inside the tile buffer
	pxW := float64(size) / (pb.MaxX - pb.MinX)
	pxH := float64(size) / (pb.MaxY - pb.MinY)
	dst := Rectangle{
		X: int(math.Round((float64(win.X) - pb.MinX) * pxW)),
		Y: int(math.Round((float64(win.Y) - pb.MinY) * pxH)),
	}
	dst.Width = min(size, int(math.Round((float64(win.X+win.Width)-pb.MinX)*pxW))) - max(dst.X, 0)
	dst.Height = min(size, int(math.Round((float64(win.Y+win.Height)-pb.MinY)*pxH))) - max(dst.Y, 0)
	dst.X, dst.Y = max(dst.X, 0), max(dst.Y, 0)
	if dst.Empty() {
		return out, nil
	}

	pixel := bufType.Size()
	line := size * pixel
	buf := out.Data[dst.Y*line+dst.X*pixel:]
	if err := b.RasterIO(ctx, IORead, win.X, win.Y, win.Width, win.Height,
		buf, dst.Width, dst.Height, bufType, pixel, line); err != nil {
		return nil, fmt.Errorf("failed to read tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
	}
	return out, nil
}

// Fill sets every sample of a packed host-order buffer to v.
func Fill(buf []byte, dt DataType, v float64) {
	size := dt.Size()
	for off := 0; off+size <= len(buf); off += size {
		writeSample(buf[off:off+size], dt, HostByteOrder, v)
	}
}

// wgs84ToMercator converts WGS84 (EPSG:4326) bounds to Web Mercator (EPSG:3857) bounds
func wgs84ToMercator(bound orb.Bound) orb.Bound {
	const maxMercator = 20037508.342789244

	minX := bound.Min[0] / 180.0 * maxMercator
	maxX := bound.Max[0] / 180.0 * maxMercator

	minY := math.Log(math.Tan((90.0+bound.Min[1])*math.Pi/360.0)) / math.Pi * maxMercator
	maxY := math.Log(math.Tan((90.0+bound.Max[1])*math.Pi/360.0)) / math.Pi * maxMercator

	return orb.Bound{
		Min: orb.Point{minX, minY},
		Max: orb.Point{maxX, maxY},
	}
}
