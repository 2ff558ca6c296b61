package pgraster

import (
	"context"
	"math"
	"sort"
)

// OverviewQuery looks up the overview tables registered for a raster column.
type OverviewQuery struct {
	Table TableRef
}

// SQL renders the catalog query; schema, table and column bind as $1..$3.
func (q *OverviewQuery) SQL() string {
	return "SELECT o_table_name, overview_factor, o_raster_column, o_table_schema " +
		"FROM raster_overviews WHERE r_table_schema = $1 AND r_table_name = $2 " +
		"AND r_raster_column = $3 ORDER BY overview_factor ASC"
}

// Args returns the bind arguments matching SQL.
func (q *OverviewQuery) Args() []any {
	return []any{q.Table.Schema, q.Table.Table, q.Table.Column}
}

// loadOverviews populates the overview list of a level-0 band from the
// catalog. Failures leave the band without overviews.
func (b *Band) loadOverviews(ctx context.Context) {
	log := Logger()

	rows, err := b.ds.overviews(ctx, &OverviewQuery{Table: b.table})
	if err != nil {
		log.Warn("could not fetch overviews", "band", b.band, "table", b.table.String(), "error", err)
		return
	}
	if len(rows) == 0 {
		log.Debug("band does not have overviews", "band", b.band)
		return
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Factor < rows[j].Factor })

	pt := PixelType{DataType: b.dataType, BitDepth: b.bitDepth, SignedByte: b.signedByte}
	for _, row := range rows {
		if row.Factor <= 1 {
			log.Warn("ignoring overview with invalid factor", "band", b.band, "factor", row.Factor, "table", row.Table)
			continue
		}
		table := TableRef{Schema: row.Schema, Table: row.Table, Column: row.Column}
		if table.Schema == "" {
			table.Schema = b.table.Schema
		}
		if table.Column == "" {
			table.Column = b.table.Column
		}
		ov := newBand(b.ds, b.band, table, row.Factor, pt, b.hasNoData, b.noData)
		if ov.xSize == 0 || ov.ySize == 0 {
			log.Warn("ignoring overview smaller than one pixel", "band", b.band, "factor", row.Factor)
			continue
		}
		b.overviews = append(b.overviews, ov)
	}
}

// OverviewCount returns the number of overviews; always 0 on an overview.
func (b *Band) OverviewCount() int {
	if b.factor > 1 {
		return 0
	}
	return len(b.overviews)
}

// Overview returns overview i ordered by increasing factor, or nil.
func (b *Band) Overview(i int) RasterBand {
	if i < 0 || i >= b.OverviewCount() {
		return nil
	}
	return b.overviews[i]
}

// HasArbitraryOverviews reports that the store can serve any decimation at
// equal cost, since overviews are tables like the base raster.
func (b *Band) HasArbitraryOverviews() bool {
	return b.factor <= 1
}

// BestOverview returns the overview with the largest factor that does not
// exceed the downsampling ratio of the request, or nil when full resolution
// is needed.
func (b *Band) BestOverview(xSize, ySize, bufXSize, bufYSize int) *Band {
	if bufXSize <= 0 || bufYSize <= 0 {
		return nil
	}
	ratio := math.Min(float64(xSize)/float64(bufXSize), float64(ySize)/float64(bufYSize))

	var best *Band
	for _, ov := range b.overviews[:b.OverviewCount()] {
		if float64(ov.factor) <= ratio+1e-9 && (best == nil || ov.factor > best.factor) {
			best = ov
		}
	}
	return best
}

// overviewRasterIO satisfies req from ov by scaling the window into the
// overview's pixel grid.
func (b *Band) overviewRasterIO(ctx context.Context, ov *Band, req *IORequest) error {
	f := float64(ov.factor)

	x := int(float64(req.XOff) / f)
	y := int(float64(req.YOff) / f)
	w := max(1, roundHalfUp(float64(req.XSize)/f))
	h := max(1, roundHalfUp(float64(req.YSize)/f))
	if x >= ov.xSize {
		x = ov.xSize - 1
	}
	if y >= ov.ySize {
		y = ov.ySize - 1
	}
	w = min(w, ov.xSize-x)
	h = min(h, ov.ySize-y)

	Logger().Debug("delegating to overview", "factor", ov.factor, "table", ov.table.String(),
		"window", Rectangle{X: x, Y: y, Width: w, Height: h})

	return ov.RasterIO(ctx, IORead, x, y, w, h, req.Buf, req.BufXSize, req.BufYSize,
		req.BufType, req.PixelSpace, req.LineSpace)
}
