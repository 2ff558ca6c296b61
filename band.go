package pgraster

import (
	"context"
	"fmt"
	"strconv"
)

// IOOperation selects reading or writing in RasterIO.
type IOOperation int

const (
	// IORead reads pixels into the caller's buffer.
	IORead IOOperation = iota
	// IOWrite is refused with ErrNotSupported.
	IOWrite
)

// Metadata domain and items published by bands.
const (
	ImageStructureDomain = "IMAGE_STRUCTURE"
	MetadataNBits        = "NBITS"
	MetadataPixelType    = "PIXELTYPE"
	PixelTypeSignedByte  = "SIGNEDBYTE"
)

// RasterBand is the operation contract a raster I/O host drives.
type RasterBand interface {
	RasterIO(ctx context.Context, rw IOOperation, xOff, yOff, xSize, ySize int,
		buf []byte, bufXSize, bufYSize int, bufType DataType, pixelSpace, lineSpace int) error
	ReadBlock(ctx context.Context, blockX, blockY int, buf []byte) error
	BlockSize() (int, int)
	NoData() (float64, bool)
	SetNoData(v float64) error
	Index() int
	Dataset() *Dataset
	DataType() DataType
	XSize() int
	YSize() int
	OverviewCount() int
	Overview(i int) RasterBand
	HasArbitraryOverviews() bool
	MetadataItem(name, domain string) string
	SetMetadataItem(name, value, domain string)
}

var _ RasterBand = (*Band)(nil)

// Band is a virtual band over the tiles of a raster column. Level-0 bands
// own their overviews; an overview is a Band with factor > 1 bound to its
// own table.
type Band struct {
	ds     *Dataset
	band   int
	table  TableRef
	factor int // 0 at level 0

	dataType   DataType
	bitDepth   int
	signedByte bool
	hasNoData  bool
	noData     float64

	xSize, ySize int
	gt           GeoTransform

	overviews []*Band
	metadata  map[string]map[string]string
}

func newBand(ds *Dataset, index int, table TableRef, factor int, pt PixelType, hasNoData bool, noData float64) *Band {
	b := &Band{
		ds:         ds,
		band:       index,
		table:      table,
		factor:     factor,
		dataType:   pt.DataType,
		bitDepth:   pt.BitDepth,
		signedByte: pt.SignedByte,
		hasNoData:  hasNoData,
		noData:     noData,
		xSize:      ds.xSize,
		ySize:      ds.ySize,
		gt:         ds.gt,
		metadata:   make(map[string]map[string]string),
	}
	if factor > 1 {
		b.xSize = ds.xSize / factor
		b.ySize = ds.ySize / factor
		b.gt = ds.gt.Scaled(factor)
	}

	if pt.SignedByte {
		b.SetMetadataItem(MetadataPixelType, PixelTypeSignedByte, ImageStructureDomain)
	}
	if pt.SubByte() {
		b.SetMetadataItem(MetadataNBits, strconv.Itoa(pt.BitDepth), ImageStructureDomain)
	}

	Logger().Debug("band created", "band", index, "factor", factor, "table", table.String(),
		"size", fmt.Sprintf("%dx%d", b.xSize, b.ySize), "srid", ds.srid)
	return b
}

// RasterIO reads the window (xOff, yOff, xSize, ySize) into buf, resampled
// to bufXSize x bufYSize samples of bufType. Zero pixelSpace and lineSpace
// select a packed buffer. Pixels not covered by any tile keep their prior
// contents.
func (b *Band) RasterIO(ctx context.Context, rw IOOperation, xOff, yOff, xSize, ySize int,
	buf []byte, bufXSize, bufYSize int, bufType DataType, pixelSpace, lineSpace int) error {

	if rw != IORead {
		return fmt.Errorf("%w: writing through a PostGIS raster band", ErrNotSupported)
	}

	// Preflight
	req := &IORequest{
		XOff: xOff, YOff: yOff, XSize: xSize, YSize: ySize,
		Buf: buf, BufXSize: bufXSize, BufYSize: bufYSize, BufType: bufType,
		PixelSpace: pixelSpace, LineSpace: lineSpace,
	}
	req.normalize()
	if err := req.validate(b.xSize, b.ySize); err != nil {
		return err
	}

	log := Logger()
	log.Debug("raster io", "band", b.band, "factor", b.factor,
		"region", fmt.Sprintf("%dx%d", xSize, ySize), "buffer", fmt.Sprintf("%dx%d", bufXSize, bufYSize))

	if (bufXSize < xSize || bufYSize < ySize) && b.OverviewCount() > 0 {
		if ov := b.BestOverview(xSize, ySize, bufXSize, bufYSize); ov != nil {
			err := b.overviewRasterIO(ctx, ov, req)
			if err == nil {
				return nil
			}
			log.Debug("overview read failed, using full resolution", "factor", ov.factor, "error", err)
		}
	}

	// Resolve
	tiles, err := b.resolve(ctx, xOff, yOff, xSize, ySize)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		log.Debug("no tiles intersect the window", "band", b.band)
		return nil
	}

	return b.assemble(req, tiles)
}

// assemble installs every resolved tile as a simple source of a composite
// covering the request window and performs the single windowed read into
// the caller's buffer. Decoded payloads are held until that read has
// completed.
func (b *Band) assemble(req *IORequest, tiles []resolvedTile) error {
	log := Logger()

	mem, err := NewMemComposite(req.XSize, req.YSize, b.dataType)
	if err != nil {
		return err
	}
	var comp Composite = mem
	comp.Stamp(b.ds.projection, b.gt.Shifted(req.XOff, req.YOff))
	installed := 0

	views := make([]*TileView, 0, len(tiles))
	defer func() {
		for _, tv := range views {
			tv.Release()
		}
		log.Debug("decoded tiles released", "count", len(views))
	}()

	for i, t := range tiles {
		if _, err := ClassifyPixelType(t.row.PixelType); err != nil {
			log.Warn("skipping tile, the result may contain gaps", "tile", i, "error", err)
			continue
		}
		// st_band yields a single-band raster
		tv, err := ParseTile(t.row.Payload, 1)
		if err != nil {
			log.Warn("skipping tile, the result may contain gaps", "tile", i, "error", err)
			continue
		}
		views = append(views, tv)

		if tv.IsNoData {
			log.Debug("skipping tile, every pixel is nodata", "tile", i)
			continue
		}

		if tv.Width != t.row.Width || tv.Height != t.row.Height {
			log.Warn("skipping tile, the result may contain gaps", "tile", i,
				"error", fmt.Errorf("%w: payload is %dx%d, row reports %dx%d",
					ErrMalformedTile, tv.Width, tv.Height, t.row.Width, t.row.Height))
			continue
		}

		dst := Rectangle{t.dst.X - req.XOff, t.dst.Y - req.YOff, t.dst.Width, t.dst.Height}
		if dst.X >= req.XSize || dst.Y >= req.YSize || dst.X+dst.Width <= 0 || dst.Y+dst.Height <= 0 {
			// touches the window edge only
			continue
		}

		src := SimpleSource{
			Pixels:    tv.Pixels,
			Width:     tv.Width,
			Height:    tv.Height,
			DataType:  tv.PixelType.DataType,
			ByteOrder: tv.ByteOrder,
			Src:       t.src,
			Dst:       dst,
			HasNoData: t.row.HasNoData || tv.HasNoData,
			NoData:    tv.NoData,
		}
		if t.row.HasNoData {
			src.NoData = t.row.NoData
		}
		if err := comp.AddSimpleSource(src); err != nil {
			log.Warn("skipping tile, the result may contain gaps", "tile", i, "error", err)
			continue
		}
		installed++
		log.Debug("simple source added", "tile", i, "src", t.src, "dst", src.Dst)
	}

	// Emit
	win := *req
	win.XOff, win.YOff = 0, 0
	if err := comp.RasterIO(&win); err != nil {
		return err
	}
	log.Debug("data read", "band", b.band, "sources", installed)
	return nil
}

// ReadBlock reads natural block (blockX, blockY) into a packed buffer of the
// band's data type. Edge blocks are clamped to the raster; the buffer keeps
// the full block stride.
func (b *Band) ReadBlock(ctx context.Context, blockX, blockY int, buf []byte) error {
	bsx, bsy := b.BlockSize()
	if bsx <= 0 || bsy <= 0 {
		return fmt.Errorf("%w: band has no regular block size", ErrNotSupported)
	}

	readX := bsx
	if (blockX+1)*bsx > b.xSize {
		readX = b.xSize - blockX*bsx
	}
	readY := bsy
	if (blockY+1)*bsy > b.ySize {
		readY = b.ySize - blockY*bsy
	}

	size := b.dataType.Size()
	return b.RasterIO(ctx, IORead, blockX*bsx, blockY*bsy, readX, readY,
		buf, readX, readY, b.dataType, size, size*bsx)
}

// BlockSize returns the natural block size. Irregularly blocked rasters with
// no usable default report (0, 0).
func (b *Band) BlockSize() (int, int) {
	x, y := b.ds.blockXSize, b.ds.blockYSize
	if x <= 0 || y <= 0 {
		Logger().Error("this raster band has a non regular blocking arrangement", "band", b.band)
		return 0, 0
	}
	return x, y
}

// NoData returns the nodata value and whether one is set.
func (b *Band) NoData() (float64, bool) {
	return b.noData, b.hasNoData
}

// SetNoData replaces the nodata value. It never fails.
func (b *Band) SetNoData(v float64) error {
	b.noData = v
	b.hasNoData = true
	return nil
}

// Index returns the 1-based band number, 0 for overviews.
func (b *Band) Index() int {
	if b.factor > 1 {
		return 0
	}
	return b.band
}

// Dataset returns the owning dataset, nil for overviews.
func (b *Band) Dataset() *Dataset {
	if b.factor > 1 {
		return nil
	}
	return b.ds
}

// DataType returns the canonical pixel type.
func (b *Band) DataType() DataType { return b.dataType }

// XSize returns the band width in pixels.
func (b *Band) XSize() int { return b.xSize }

// YSize returns the band height in pixels.
func (b *Band) YSize() int { return b.ySize }

// GeoTransform returns the transform of this band's pixel grid.
func (b *Band) GeoTransform() GeoTransform { return b.gt }

// Factor returns the decimation factor, 0 at full resolution.
func (b *Band) Factor() int { return b.factor }

// Table returns the raster column the band reads from.
func (b *Band) Table() TableRef { return b.table }

// MetadataItem returns the value of name in domain, or "".
func (b *Band) MetadataItem(name, domain string) string {
	return b.metadata[domain][name]
}

// SetMetadataItem sets name in domain.
func (b *Band) SetMetadataItem(name, value, domain string) {
	d, ok := b.metadata[domain]
	if !ok {
		d = make(map[string]string)
		b.metadata[domain] = d
	}
	d[name] = value
}

// Metadata returns a copy of the items of domain.
func (b *Band) Metadata(domain string) map[string]string {
	out := make(map[string]string, len(b.metadata[domain]))
	for k, v := range b.metadata[domain] {
		out[k] = v
	}
	return out
}
