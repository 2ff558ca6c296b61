package pgraster

import "context"

// Store executes the tile enumeration and overview catalog queries. It is
// the only component that performs I/O; implementations are used serially
// by their owning Dataset.
type Store interface {
	// Tiles returns the tiles intersecting q's polygon in the order given by
	// q.SQL. An empty result is not an error.
	Tiles(ctx context.Context, q *TileQuery) ([]TileRow, error)

	// Overviews returns the overview catalog rows for a raster column.
	Overviews(ctx context.Context, q *OverviewQuery) ([]OverviewRow, error)
}

// TileRow is one row of the tile enumeration query.
type TileRow struct {
	Payload    string // hex-encoded raster WKB of the selected band
	Width      int
	Height     int
	PixelType  string
	HasNoData  bool
	NoData     float64
	ScaleX     float64
	ScaleY     float64
	UpperLeftX float64
	UpperLeftY float64
}

// OverviewRow is one row of the raster_overviews catalog.
type OverviewRow struct {
	Table  string
	Factor int
	Column string
	Schema string
}
