package pgraster

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"
)

// testBand is one band of a synthetic raster WKB payload.
type testBand struct {
	code      byte
	hasNoData bool
	noData    float64
	isNoData  bool
	offline   bool
	path      string
	pixels    []float64
}

// encodeRaster builds a raster WKB payload the way st_asbinary lays it out.
func encodeRaster(order binary.ByteOrder, w, h int, geom TileGeometry, srid int, bands ...testBand) []byte {
	var buf bytes.Buffer

	endian := byte(1)
	if order == binary.BigEndian {
		endian = 0
	}
	buf.WriteByte(endian)
	binary.Write(&buf, order, uint16(0))          // Version
	binary.Write(&buf, order, uint16(len(bands))) // Band count
	binary.Write(&buf, order, geom.ScaleX)
	binary.Write(&buf, order, geom.ScaleY)
	binary.Write(&buf, order, geom.UpperLeftX)
	binary.Write(&buf, order, geom.UpperLeftY)
	binary.Write(&buf, order, geom.SkewX)
	binary.Write(&buf, order, geom.SkewY)
	binary.Write(&buf, order, int32(srid))
	binary.Write(&buf, order, uint16(w))
	binary.Write(&buf, order, uint16(h))

	for _, b := range bands {
		pt, err := pixelTypeFromCode(b.code)
		if err != nil {
			panic(err)
		}
		flags := b.code
		if b.hasNoData {
			flags |= bandFlagNoData
		}
		if b.isNoData {
			flags |= bandFlagIsNoData
		}
		if b.offline {
			flags |= bandFlagOffline
		}
		buf.WriteByte(flags)

		sample := make([]byte, pt.Size())
		writeSample(sample, pt.DataType, order, b.noData)
		buf.Write(sample)

		if b.offline {
			buf.WriteByte(1)
			buf.WriteString(b.path)
			buf.WriteByte(0)
			continue
		}
		for i := 0; i < w*h; i++ {
			v := 0.0
			if i < len(b.pixels) {
				v = b.pixels[i]
			}
			writeSample(sample, pt.DataType, order, v)
			buf.Write(sample)
		}
	}
	return buf.Bytes()
}

// hexUpper encodes b the way a raster renders as text.
func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// filled returns n copies of v.
func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// tileRow builds the row st_band would return for a single-band tile with
// square pixels of the given scale.
func tileRow(tag string, ulx, uly, scale float64, w, h int, pixels []float64) TileRow {
	pt, err := ClassifyPixelType(tag)
	if err != nil {
		panic(err)
	}
	code := byte(0)
	for c, t := range wkbPixelTags {
		if t == pt.Tag {
			code = byte(c)
		}
	}
	geom := TileGeometry{ScaleX: scale, ScaleY: -scale, UpperLeftX: ulx, UpperLeftY: uly}
	payload := encodeRaster(binary.LittleEndian, w, h, geom, 4326, testBand{code: code, pixels: pixels})
	return TileRow{
		Payload:    hexUpper(payload),
		Width:      w,
		Height:     h,
		PixelType:  tag,
		ScaleX:     scale,
		ScaleY:     -scale,
		UpperLeftX: ulx,
		UpperLeftY: uly,
	}
}

// memStore is an in-memory Store keyed by table name. Tiles answers with the
// rows whose footprint intersects the query polygon, sorted like the SQL.
type memStore struct {
	mu        sync.Mutex
	tables    map[string][]TileRow
	overviews []OverviewRow
	failing   map[string]error
	ovErr     error

	queries   []*TileQuery
	ovQueries []*OverviewQuery
}

func newMemStore() *memStore {
	return &memStore{
		tables:  make(map[string][]TileRow),
		failing: make(map[string]error),
	}
}

func (s *memStore) Tiles(ctx context.Context, q *TileQuery) ([]TileRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, q)
	if err := s.failing[q.Table.Table]; err != nil {
		return nil, err
	}

	window := q.Polygon.Bound()
	var out []TileRow
	for _, r := range s.tables[q.Table.Table] {
		if window.Intersects(rowBound(r)) {
			out = append(out, r)
		}
	}

	asc := q.YOrder() == "asc"
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpperLeftY != out[j].UpperLeftY {
			if asc {
				return out[i].UpperLeftY < out[j].UpperLeftY
			}
			return out[i].UpperLeftY > out[j].UpperLeftY
		}
		return out[i].UpperLeftX < out[j].UpperLeftX
	})
	return out, nil
}

func (s *memStore) Overviews(ctx context.Context, q *OverviewQuery) ([]OverviewRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ovQueries = append(s.ovQueries, q)
	if s.ovErr != nil {
		return nil, s.ovErr
	}
	return append([]OverviewRow(nil), s.overviews...), nil
}

func (s *memStore) tileQueries() []*TileQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*TileQuery(nil), s.queries...)
}

func rowBound(r TileRow) orb.Bound {
	w := float64(r.Width) * r.ScaleX
	h := float64(r.Height) * math.Abs(r.ScaleY)
	return orb.Bound{
		Min: orb.Point{r.UpperLeftX, r.UpperLeftY - h},
		Max: orb.Point{r.UpperLeftX + w, r.UpperLeftY},
	}
}

// quadStore holds a 20x20 raster split into four 10x10 8BUI tiles valued
// 1 (north-west), 2 (north-east), 3 (south-west) and 4 (south-east).
func quadStore() *memStore {
	s := newMemStore()
	s.tables["dem"] = []TileRow{
		tileRow("8BUI", 0, 20, 1, 10, 10, filled(100, 1)),
		tileRow("8BUI", 10, 20, 1, 10, 10, filled(100, 2)),
		tileRow("8BUI", 0, 10, 1, 10, 10, filled(100, 3)),
		tileRow("8BUI", 10, 10, 1, 10, 10, filled(100, 4)),
	}
	return s
}

// quadConfig is the dataset config matching quadStore.
func quadConfig(tag string) DatasetConfig {
	return DatasetConfig{
		TableRef:     TableRef{Table: "dem", Column: "rast"},
		SRID:         4326,
		Projection:   "EPSG:4326",
		GeoTransform: GeoTransform{0, 1, 0, 20, 0, -1},
		XSize:        20,
		YSize:        20,
		Bands:        []BandConfig{{PixelType: tag}},
	}
}
