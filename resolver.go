package pgraster

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// UnknownSRID is the SRID of rasters without a spatial reference. Their
// pixel-y axis and world-y axis grow in the same direction.
const UnknownSRID = -1

// Rectangle represents a rectangle in pixel space
type Rectangle struct {
	X      int // X coordinate of top-left corner
	Y      int // Y coordinate of top-left corner
	Width  int // Width in pixels
	Height int // Height in pixels
}

// Empty reports whether the rectangle covers no pixel.
func (r Rectangle) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether pixel (x, y) lies inside the rectangle.
func (r Rectangle) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// TableRef identifies a raster column.
type TableRef struct {
	Schema string
	Table  string
	Column string
}

func (t TableRef) String() string {
	return t.Schema + "." + t.Table + "." + t.Column
}

func (t TableRef) from() string {
	return pgx.Identifier{t.Schema, t.Table}.Sanitize()
}

func (t TableRef) column() string {
	return pgx.Identifier{t.Column}.Sanitize()
}

// TileQuery is the spatial predicate issued for one windowed read.
type TileQuery struct {
	Table   TableRef
	Where   string // optional SQL filter ANDed with the predicate
	Band    int
	SRID    int
	Polygon orb.Polygon
}

// YOrder returns the sort direction on the tile upper-left y. With a known
// SRID world-y grows northward while pixel-y grows southward. SRID 0 is the
// unknown reference of PostGIS 2.
func (q *TileQuery) YOrder() string {
	if q.SRID == UnknownSRID || q.SRID == 0 {
		return "asc"
	}
	return "desc"
}

// SQL renders the query. The polygon WKT and SRID are bound as $1 and $2.
func (q *TileQuery) SQL() string {
	col := q.Table.column()
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT st_band(%[1]s, %[2]d)::text, st_width(%[1]s), st_height(%[1]s), "+
		"st_bandpixeltype(%[1]s, %[2]d), st_bandnodatavalue(%[1]s, %[2]d), st_scalex(%[1]s), "+
		"st_scaley(%[1]s), st_upperleftx(%[1]s), st_upperlefty(%[1]s) FROM %[3]s WHERE ",
		col, q.Band, q.Table.from())
	if q.Where != "" {
		fmt.Fprintf(&sb, "%s AND ", q.Where)
	}
	fmt.Fprintf(&sb, "st_intersects(%[1]s, st_geomfromtext($1, $2)) "+
		"ORDER BY st_upperlefty(%[1]s) %[2]s, st_upperleftx(%[1]s) asc", col, q.YOrder())
	return sb.String()
}

// Args returns the bind arguments matching SQL.
func (q *TileQuery) Args() []any {
	return []any{wkt.MarshalString(q.Polygon), q.SRID}
}

// resolvedTile is a tile row with its windows in the composite's pixel grid.
type resolvedTile struct {
	row TileRow
	src Rectangle
	dst Rectangle
}

// ComputePlacement returns the source window inside the tile and the
// destination window in the pixel grid of gt for one stored tile. All
// roundings add 0.5 and truncate. An empty destination means the tile
// contributes no pixel.
func ComputePlacement(gt GeoTransform, row TileRow) (src, dst Rectangle, err error) {
	xmin, ymax := gt.UpperLeft()
	dsx, dsy := gt[1], math.Abs(gt[5])
	tsx, tsy := row.ScaleX, math.Abs(row.ScaleY)
	if dsx == 0 || dsy == 0 || tsx == 0 || tsy == 0 {
		return src, dst, fmt.Errorf("%w: zero pixel scale", ErrMalformedTile)
	}

	if row.UpperLeftX < xmin {
		src.X = roundHalfUp((xmin - row.UpperLeftX) / tsx)
	} else {
		dst.X = roundHalfUp((row.UpperLeftX - xmin) / dsx)
	}
	if ymax < row.UpperLeftY {
		src.Y = roundHalfUp((row.UpperLeftY - ymax) / tsy)
	} else {
		dst.Y = roundHalfUp((ymax - row.UpperLeftY) / dsy)
	}

	src.Width = row.Width - src.X
	src.Height = row.Height - src.Y
	src.X, src.Width = clampOffset(src.X, src.Width)
	src.Y, src.Height = clampOffset(src.Y, src.Height)

	dst.Width = roundHalfUp(float64(src.Width) * tsx / dsx)
	dst.Height = roundHalfUp(float64(src.Height) * tsy / dsy)
	dst.X, dst.Width = clampOffset(dst.X, dst.Width)
	dst.Y, dst.Height = clampOffset(dst.Y, dst.Height)

	return src, dst, nil
}

// clampOffset moves a negative offset to 0, shrinking size by the same amount.
func clampOffset(off, size int) (int, int) {
	if off < 0 {
		size += off
		off = 0
	}
	if size < 0 {
		size = 0
	}
	return off, size
}

// resolve enumerates the tiles intersecting the pixel window of b and places
// each in b's pixel grid. Rows that cannot be placed are dropped with a
// warning.
func (b *Band) resolve(ctx context.Context, xOff, yOff, xSize, ySize int) ([]resolvedTile, error) {
	q := &TileQuery{
		Table:   b.table,
		Where:   b.ds.where,
		Band:    b.band,
		SRID:    b.ds.srid,
		Polygon: WindowPolygon(b.gt, xOff, yOff, xSize, ySize),
	}

	log := Logger()
	log.Debug("enumerating tiles", "table", b.table.String(), "query", q.SQL(), "polygon", q.Args()[0])

	rows, err := b.ds.tiles(ctx, q)
	if err != nil {
		log.Debug("tile enumeration failed", "table", b.table.String(), "error", err)
		return nil, fmt.Errorf("%w: error retrieving raster data from database: %w", ErrStoreUnavailable, err)
	}

	tiles := make([]resolvedTile, 0, len(rows))
	for i, row := range rows {
		src, dst, err := ComputePlacement(b.gt, row)
		if err != nil {
			log.Warn("skipping tile, the result may contain gaps", "tile", i, "error", err)
			continue
		}
		if src.Empty() || dst.Empty() {
			log.Debug("tile does not reach the grid", "tile", i)
			continue
		}
		tiles = append(tiles, resolvedTile{row: row, src: src, dst: dst})
	}
	return tiles, nil
}
