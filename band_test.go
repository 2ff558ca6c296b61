package pgraster

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/paulmach/orb"
)

func openQuad(t *testing.T, store *memStore, cfg DatasetConfig) *Band {
	t.Helper()
	ds, err := Open(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ds.RasterCount() != len(cfg.Bands) {
		t.Fatalf("Expected %d bands, got %d", len(cfg.Bands), ds.RasterCount())
	}
	return ds.Band(1)
}

func TestRasterIOFullRead(t *testing.T) {
	store := quadStore()
	band := openQuad(t, store, quadConfig("8BUI"))

	buf := make([]byte, 20*20)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, buf, 20, 20, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}

	checks := map[int]byte{
		5*20 + 5:   1,
		5*20 + 15:  2,
		15*20 + 5:  3,
		15*20 + 15: 4,
		0:          1,
		19*20 + 19: 4,
	}
	for off, want := range checks {
		if buf[off] != want {
			t.Errorf("Pixel (%d,%d): expected %d, got %d", off%20, off/20, want, buf[off])
		}
	}

	queries := store.tileQueries()
	if len(queries) != 1 {
		t.Fatalf("Expected one tile query, got %d", len(queries))
	}
	if queries[0].Table.Schema != "public" {
		t.Errorf("Expected default schema public, got %q", queries[0].Table.Schema)
	}
}

func TestRasterIOWindowOffset(t *testing.T) {
	band := openQuad(t, quadStore(), quadConfig("8BUI"))

	buf := make([]byte, 10*10)
	if err := band.RasterIO(context.Background(), IORead, 5, 5, 10, 10, buf, 10, 10, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[0] != 1 || buf[9] != 2 || buf[90] != 3 || buf[99] != 4 {
		t.Errorf("Unexpected corners %d %d %d %d", buf[0], buf[9], buf[90], buf[99])
	}
}

func TestRasterIOQueryPolygon(t *testing.T) {
	store := quadStore()
	band := openQuad(t, store, quadConfig("16BUI"))

	buf := make([]byte, 20*20*2)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, buf, 20, 20, UInt16, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}

	// The window is georeferenced in pixels, independent of the sample size
	ring := store.tileQueries()[0].Polygon[0]
	want := orb.Ring{{0, 20}, {20, 20}, {20, 0}, {0, 0}, {0, 20}}
	for i := range want {
		if ring[i] != want[i] {
			t.Errorf("Vertex %d: expected %v, got %v", i, want[i], ring[i])
		}
	}
	if v := readSample(buf[(15*20+15)*2:], UInt16, HostByteOrder); v != 4 {
		t.Errorf("Expected 4, got %v", v)
	}
}

func TestRasterIOKeepsGaps(t *testing.T) {
	store := quadStore()
	store.tables["dem"] = store.tables["dem"][:3]
	band := openQuad(t, store, quadConfig("8BUI"))

	buf := make([]byte, 20*20)
	for i := range buf {
		buf[i] = 0xAA
	}
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, buf, 20, 20, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[15*20+15] != 0xAA {
		t.Errorf("Expected uncovered pixel untouched, got %d", buf[15*20+15])
	}
	if buf[15*20+5] != 3 {
		t.Errorf("Expected 3, got %d", buf[15*20+5])
	}
}

func TestRasterIONoTiles(t *testing.T) {
	store := newMemStore()
	band := openQuad(t, store, quadConfig("8BUI"))

	buf := []byte{1, 2, 3, 4}
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 2, 2, buf, 2, 2, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Errorf("Expected buffer untouched, got %v", buf)
	}
}

func TestRasterIONoDataFallsThrough(t *testing.T) {
	store := newMemStore()
	under := tileRow("8BUI", 0, 20, 1, 20, 20, filled(400, 7))
	// Row-level nodata, not encoded in the payload
	over := tileRow("8BUI", 0, 20, 1, 20, 20, append([]float64{0}, filled(399, 9)...))
	over.HasNoData = true
	over.NoData = 0
	store.tables["dem"] = []TileRow{under, over}

	band := openQuad(t, store, quadConfig("8BUI"))

	buf := make([]byte, 2)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 2, 1, buf, 2, 1, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[0] != 7 || buf[1] != 9 {
		t.Errorf("Expected [7 9], got %v", buf)
	}
}

func TestRasterIODownsampleWithoutOverviews(t *testing.T) {
	band := openQuad(t, quadStore(), quadConfig("8BUI"))

	buf := make([]byte, 10*10)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, buf, 10, 10, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[0] != 1 || buf[9] != 2 || buf[90] != 3 || buf[99] != 4 {
		t.Errorf("Unexpected corners %d %d %d %d", buf[0], buf[9], buf[90], buf[99])
	}
}

func TestRasterIOBufferConversion(t *testing.T) {
	store := newMemStore()
	store.tables["dem"] = []TileRow{
		tileRow("16BSI", 0, 20, 1, 20, 20, append([]float64{-5, 300}, filled(398, 1000)...)),
	}
	band := openQuad(t, store, quadConfig("16BSI"))
	if band.DataType() != Int16 {
		t.Fatalf("Expected Int16 band, got %s", band.DataType())
	}

	b := make([]byte, 2)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 2, 1, b, 2, 1, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if b[0] != 0 || b[1] != 255 {
		t.Errorf("Expected clamped [0 255], got %v", b)
	}

	f := make([]byte, 16)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 2, 1, f, 2, 1, Float64, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if readSample(f, Float64, HostByteOrder) != -5 || readSample(f[8:], Float64, HostByteOrder) != 300 {
		t.Errorf("Unexpected Float64 samples %v", f)
	}
}

func TestRasterIOWriteRefused(t *testing.T) {
	store := quadStore()
	band := openQuad(t, store, quadConfig("8BUI"))

	err := band.RasterIO(context.Background(), IOWrite, 0, 0, 2, 2, make([]byte, 4), 2, 2, Byte, 0, 0)
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
	if n := len(store.tileQueries()); n != 0 {
		t.Errorf("Expected no store access, got %d queries", n)
	}
}

func TestRasterIOInvalidWindow(t *testing.T) {
	store := quadStore()
	band := openQuad(t, store, quadConfig("8BUI"))

	err := band.RasterIO(context.Background(), IORead, 15, 0, 10, 10, make([]byte, 100), 10, 10, Byte, 0, 0)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow, got %v", err)
	}
	if n := len(store.tileQueries()); n != 0 {
		t.Errorf("Expected no store access, got %d queries", n)
	}
}

func TestRasterIOStoreUnavailable(t *testing.T) {
	store := quadStore()
	cause := errors.New("connection reset")
	store.failing["dem"] = cause
	band := openQuad(t, store, quadConfig("8BUI"))

	err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, make([]byte, 400), 20, 20, Byte, 0, 0)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected the store error to be wrapped, got %v", err)
	}
}

func TestRasterIOSkipsBadTiles(t *testing.T) {
	store := quadStore()
	rows := store.tables["dem"]
	rows[1].Payload = rows[1].Payload[:40]
	rows[2].PixelType = "RGB"
	band := openQuad(t, store, quadConfig("8BUI"))

	buf := make([]byte, 20*20)
	if err := band.RasterIO(context.Background(), IORead, 0, 0, 20, 20, buf, 20, 20, Byte, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if buf[5*20+5] != 1 || buf[15*20+15] != 4 {
		t.Errorf("Expected good tiles composited, got %d %d", buf[5*20+5], buf[15*20+15])
	}
	if buf[5*20+15] != 0 || buf[15*20+5] != 0 {
		t.Errorf("Expected gaps where tiles were skipped, got %d %d", buf[5*20+15], buf[15*20+5])
	}
}

func TestRasterIOBigEndianPayload(t *testing.T) {
	store := newMemStore()
	row := tileRow("16BUI", 0, 20, 1, 20, 20, nil)
	geom := TileGeometry{ScaleX: 1, ScaleY: -1, UpperLeftX: 0, UpperLeftY: 20}
	payload := encodeRaster(binary.BigEndian, 20, 20, geom, 4326, testBand{code: 6, pixels: filled(400, 0x0102)})
	row.Payload = hexUpper(payload)
	store.tables["dem"] = []TileRow{row}

	band := openQuad(t, store, quadConfig("16BUI"))
	buf := make([]byte, 2)
	if err := band.RasterIO(context.Background(), IORead, 3, 3, 1, 1, buf, 1, 1, UInt16, 0, 0); err != nil {
		t.Fatalf("RasterIO failed: %v", err)
	}
	if v := HostByteOrder.Uint16(buf); v != 0x0102 {
		t.Errorf("Expected 0x0102, got %#x", v)
	}
}

func TestReadBlock(t *testing.T) {
	cfg := quadConfig("8BUI")
	cfg.DefaultBlockXSize = 16
	cfg.DefaultBlockYSize = 16
	band := openQuad(t, quadStore(), cfg)

	bx, by := band.BlockSize()
	if bx != 16 || by != 16 {
		t.Fatalf("Expected 16x16 blocks, got %dx%d", bx, by)
	}

	buf := make([]byte, 16*16)
	for i := range buf {
		buf[i] = 0xEE
	}
	// Edge block: only 4x4 pixels inside the raster
	if err := band.ReadBlock(context.Background(), 1, 1, buf); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if buf[0] != 4 || buf[3*16+3] != 4 {
		t.Errorf("Expected 4 inside the block, got %d %d", buf[0], buf[3*16+3])
	}
	if buf[4] != 0xEE || buf[4*16] != 0xEE {
		t.Errorf("Expected the part past the raster untouched, got %d %d", buf[4], buf[4*16])
	}

	full := make([]byte, 16*16)
	if err := band.ReadBlock(context.Background(), 0, 0, full); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if full[0] != 1 || full[15*16+15] != 4 {
		t.Errorf("Unexpected block pixels %d %d", full[0], full[15*16+15])
	}
}

func TestBlockSize(t *testing.T) {
	band := openQuad(t, quadStore(), quadConfig("8BUI"))
	if x, y := band.BlockSize(); x != 20 || y != 20 {
		t.Errorf("Expected the raster size as block size, got %dx%d", x, y)
	}

	cfg := quadConfig("8BUI")
	cfg.RegularBlocking = true
	cfg.BlockXSize, cfg.BlockYSize = 10, 10
	band = openQuad(t, quadStore(), cfg)
	if x, y := band.BlockSize(); x != 10 || y != 10 {
		t.Errorf("Expected 10x10 blocks, got %dx%d", x, y)
	}

	cfg.BlockXSize, cfg.BlockYSize = 0, 0
	band = openQuad(t, quadStore(), cfg)
	if x, y := band.BlockSize(); x != 0 || y != 0 {
		t.Errorf("Expected no block size, got %dx%d", x, y)
	}
	if err := band.ReadBlock(context.Background(), 0, 0, make([]byte, 1)); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
}

func TestBandNoData(t *testing.T) {
	cfg := quadConfig("8BUI")
	cfg.Bands[0].HasNoData = true
	cfg.Bands[0].NoData = 255
	band := openQuad(t, quadStore(), cfg)

	if v, ok := band.NoData(); !ok || v != 255 {
		t.Errorf("Expected nodata 255, got %v (%v)", v, ok)
	}
	if err := band.SetNoData(-1); err != nil {
		t.Fatalf("SetNoData failed: %v", err)
	}
	if v, _ := band.NoData(); v != -1 {
		t.Errorf("Expected nodata -1, got %v", v)
	}
}

func TestBandMetadata(t *testing.T) {
	store := quadStore()
	cfg := quadConfig("8BSI")
	cfg.Bands = append(cfg.Bands, BandConfig{PixelType: "4BUI"}, BandConfig{PixelType: "8BUI"})

	ds, err := Open(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if v := ds.Band(1).MetadataItem(MetadataPixelType, ImageStructureDomain); v != PixelTypeSignedByte {
		t.Errorf("Expected %s, got %q", PixelTypeSignedByte, v)
	}
	if v := ds.Band(2).MetadataItem(MetadataNBits, ImageStructureDomain); v != "4" {
		t.Errorf("Expected NBITS 4, got %q", v)
	}
	if md := ds.Band(3).Metadata(ImageStructureDomain); len(md) != 0 {
		t.Errorf("Expected no metadata for 8BUI, got %v", md)
	}
	if ds.Band(2).Index() != 2 || ds.Band(2).Dataset() != ds {
		t.Error("Expected band 2 to report its index and dataset")
	}
	if ds.Band(0) != nil || ds.Band(4) != nil {
		t.Error("Expected nil for out of range bands")
	}
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DatasetConfig)
	}{
		{"no table", func(c *DatasetConfig) { c.Table = "" }},
		{"no bands", func(c *DatasetConfig) { c.Bands = nil }},
		{"zero size", func(c *DatasetConfig) { c.XSize = 0 }},
		{"zero pixel size", func(c *DatasetConfig) { c.GeoTransform[1] = 0 }},
		{"bad pixel type", func(c *DatasetConfig) { c.Bands[0].PixelType = "RGB" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quadConfig("8BUI")
			tt.mutate(&cfg)
			if _, err := Open(context.Background(), quadStore(), cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
