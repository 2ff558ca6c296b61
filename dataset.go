package pgraster

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
)

// Default block size for rasters without regular blocking.
const (
	DefaultBlockXSize = 1024
	DefaultBlockYSize = 1024
)

// BandConfig describes one band of a dataset. PixelType is the tag of the
// canonical pixel type chosen for the band, e.g. "16BUI".
type BandConfig struct {
	PixelType string
	HasNoData bool
	NoData    float64
}

// DatasetConfig is the georeferencing and table identity of a raster
// column, as established when the dataset is opened.
type DatasetConfig struct {
	TableRef
	Where        string
	SRID         int
	Projection   string
	GeoTransform GeoTransform
	XSize        int
	YSize        int
	Bands        []BandConfig

	// RegularBlocking reports that all tiles share BlockXSize x BlockYSize.
	RegularBlocking bool
	BlockXSize      int
	BlockYSize      int

	// DefaultBlockXSize and DefaultBlockYSize override the package defaults
	// for rasters without regular blocking.
	DefaultBlockXSize int
	DefaultBlockYSize int
}

// Dataset owns the store connection and the bands of one raster column.
type Dataset struct {
	table      TableRef
	where      string
	srid       int
	projection string
	gt         GeoTransform
	xSize      int
	ySize      int

	regularBlocking bool
	blockXSize      int
	blockYSize      int

	// mu serialises store access; the connection belongs to the dataset
	mu    sync.Mutex
	store Store

	bands []*Band
}

// Open validates cfg and constructs the dataset and its bands. Overview
// discovery failures are logged and leave the affected band without
// overviews.
func Open(ctx context.Context, store Store, cfg DatasetConfig) (*Dataset, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if cfg.Table == "" || cfg.Column == "" {
		return nil, fmt.Errorf("table and column are required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.XSize <= 0 || cfg.YSize <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", cfg.XSize, cfg.YSize)
	}
	if cfg.GeoTransform[1] == 0 || cfg.GeoTransform[5] == 0 {
		return nil, fmt.Errorf("geotransform has a zero pixel size")
	}
	if len(cfg.Bands) == 0 {
		return nil, fmt.Errorf("dataset has no bands")
	}

	ds := &Dataset{
		table:           cfg.TableRef,
		where:           cfg.Where,
		srid:            cfg.SRID,
		projection:      cfg.Projection,
		gt:              cfg.GeoTransform,
		xSize:           cfg.XSize,
		ySize:           cfg.YSize,
		regularBlocking: cfg.RegularBlocking,
		store:           store,
	}

	defX, defY := DefaultBlockXSize, DefaultBlockYSize
	if cfg.DefaultBlockXSize > 0 {
		defX = cfg.DefaultBlockXSize
	}
	if cfg.DefaultBlockYSize > 0 {
		defY = cfg.DefaultBlockYSize
	}
	if cfg.RegularBlocking {
		ds.blockXSize, ds.blockYSize = cfg.BlockXSize, cfg.BlockYSize
	} else {
		ds.blockXSize, ds.blockYSize = min(cfg.XSize, defX), min(cfg.YSize, defY)
	}

	for i, bc := range cfg.Bands {
		pt, err := ClassifyPixelType(bc.PixelType)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i+1, err)
		}
		b := newBand(ds, i+1, ds.table, 0, pt, bc.HasNoData, bc.NoData)
		b.loadOverviews(ctx)
		ds.bands = append(ds.bands, b)
	}

	return ds, nil
}

// RasterCount returns the number of bands.
func (ds *Dataset) RasterCount() int {
	return len(ds.bands)
}

// Band returns band i (1-based), or nil.
func (ds *Dataset) Band(i int) *Band {
	if i < 1 || i > len(ds.bands) {
		return nil
	}
	return ds.bands[i-1]
}

// XSize returns the raster width in pixels.
func (ds *Dataset) XSize() int { return ds.xSize }

// YSize returns the raster height in pixels.
func (ds *Dataset) YSize() int { return ds.ySize }

// GeoTransform returns the pixel to world transform of the full-resolution grid.
func (ds *Dataset) GeoTransform() GeoTransform { return ds.gt }

// Bounds returns the world extent of the raster.
func (ds *Dataset) Bounds() orb.Bound {
	return WindowPolygon(ds.gt, 0, 0, ds.xSize, ds.ySize).Bound()
}

// Projection returns the projection string.
func (ds *Dataset) Projection() string { return ds.projection }

// SRID returns the spatial reference id, UnknownSRID when unset.
func (ds *Dataset) SRID() int { return ds.srid }

// Table returns the raster column identity.
func (ds *Dataset) Table() TableRef { return ds.table }

func (ds *Dataset) tiles(ctx context.Context, q *TileQuery) ([]TileRow, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.store.Tiles(ctx, q)
}

func (ds *Dataset) overviews(ctx context.Context, q *OverviewQuery) ([]OverviewRow, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.store.Overviews(ctx, q)
}
