package pgraster

import (
	"encoding/binary"
	"fmt"
)

// MaxCompositePixels bounds the pixel grid of a single composite.
const MaxCompositePixels = 1 << 31

// SimpleSource maps a window of an in-memory tile band into a window of a
// composite. Pixels is borrowed; the caller keeps it alive until the
// composite has been read.
type SimpleSource struct {
	Pixels    []byte
	Width     int
	Height    int
	DataType  DataType
	ByteOrder binary.ByteOrder
	Src       Rectangle
	Dst       Rectangle
	HasNoData bool
	NoData    float64
}

// IORequest describes a windowed read into a caller buffer. Zero
// PixelSpace and LineSpace select a densely packed buffer.
type IORequest struct {
	XOff, YOff         int
	XSize, YSize       int
	Buf                []byte
	BufXSize, BufYSize int
	BufType            DataType
	PixelSpace         int
	LineSpace          int
}

// normalize fills in default strides.
func (r *IORequest) normalize() {
	if r.PixelSpace == 0 {
		r.PixelSpace = r.BufType.Size()
	}
	if r.LineSpace == 0 {
		r.LineSpace = r.PixelSpace * r.BufXSize
	}
}

// validate checks the request against a width x height grid. normalize must
// have been called.
func (r *IORequest) validate(width, height int) error {
	if r.XOff < 0 || r.YOff < 0 || r.XSize <= 0 || r.YSize <= 0 {
		return fmt.Errorf("%w: window (%d,%d,%d,%d)", ErrInvalidWindow, r.XOff, r.YOff, r.XSize, r.YSize)
	}
	if r.XOff+r.XSize > width || r.YOff+r.YSize > height {
		return fmt.Errorf("%w: window (%d,%d,%d,%d) exceeds %dx%d raster",
			ErrInvalidWindow, r.XOff, r.YOff, r.XSize, r.YSize, width, height)
	}
	if r.BufXSize <= 0 || r.BufYSize <= 0 {
		return fmt.Errorf("%w: buffer size %dx%d", ErrInvalidWindow, r.BufXSize, r.BufYSize)
	}
	size := r.BufType.Size()
	if size == 0 {
		return fmt.Errorf("%w: buffer type %s", ErrInvalidWindow, r.BufType)
	}
	if r.PixelSpace < size || r.LineSpace < 0 {
		return fmt.Errorf("%w: pixel space %d, line space %d", ErrInvalidWindow, r.PixelSpace, r.LineSpace)
	}
	need := (r.BufYSize-1)*r.LineSpace + (r.BufXSize-1)*r.PixelSpace + size
	if len(r.Buf) < need {
		return fmt.Errorf("%w: buffer holds %d bytes, need %d", ErrInvalidWindow, len(r.Buf), need)
	}
	return nil
}

// Composite aggregates simple sources and answers a single windowed read
// through them.
type Composite interface {
	Stamp(projection string, gt GeoTransform)
	AddSimpleSource(src SimpleSource) error
	RasterIO(req *IORequest) error
}

// MemComposite is an in-process Composite. It owns no pixel memory: the
// windowed read samples the sources directly, so uncovered buffer pixels keep
// their prior contents.
type MemComposite struct {
	width      int
	height     int
	dataType   DataType
	projection string
	gt         GeoTransform
	sources    []SimpleSource
}

var _ Composite = (*MemComposite)(nil)

// NewMemComposite creates an empty composite of width x height pixels in
// canonical type dt.
func NewMemComposite(width, height int, dt DataType) (*MemComposite, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: composite size %dx%d", ErrInvalidWindow, width, height)
	}
	if int64(width)*int64(height) > MaxCompositePixels {
		return nil, fmt.Errorf("%w: composite of %dx%d pixels", ErrOutOfMemory, width, height)
	}
	return &MemComposite{width: width, height: height, dataType: dt}, nil
}

// Stamp records the georeferencing of the composite grid.
func (c *MemComposite) Stamp(projection string, gt GeoTransform) {
	c.projection = projection
	c.gt = gt
}

// GeoTransform returns the stamped transform.
func (c *MemComposite) GeoTransform() GeoTransform {
	return c.gt
}

// Projection returns the stamped projection.
func (c *MemComposite) Projection() string {
	return c.projection
}

// SourceCount returns the number of installed sources.
func (c *MemComposite) SourceCount() int {
	return len(c.sources)
}

// AddSimpleSource installs src after the existing sources. Later sources
// win where destinations overlap. The destination may start before the
// composite origin; only its part inside the grid is sampled.
func (c *MemComposite) AddSimpleSource(src SimpleSource) error {
	size := src.DataType.Size()
	if size == 0 {
		return fmt.Errorf("%w: source type %s", ErrUnknownPixelType, src.DataType)
	}
	if src.ByteOrder == nil {
		src.ByteOrder = binary.LittleEndian
	}
	if need := src.Width * src.Height * size; len(src.Pixels) < need {
		return fmt.Errorf("%w: source holds %d bytes, need %d", ErrMalformedTile, len(src.Pixels), need)
	}
	s, d := src.Src, src.Dst
	if s.Empty() || d.Empty() || s.X < 0 || s.Y < 0 || s.X+s.Width > src.Width || s.Y+s.Height > src.Height {
		return fmt.Errorf("%w: source window %+v outside %dx%d tile", ErrInvalidWindow, s, src.Width, src.Height)
	}
	if d.X >= c.width || d.Y >= c.height || d.X+d.Width <= 0 || d.Y+d.Height <= 0 {
		return fmt.Errorf("%w: destination window %+v outside %dx%d composite", ErrInvalidWindow, d, c.width, c.height)
	}
	c.sources = append(c.sources, src)
	return nil
}

// RasterIO reads req's window of the composite into req.Buf with
// nearest-neighbour resampling. Values are converted from each source type
// to the canonical type and then to the buffer type.
func (c *MemComposite) RasterIO(req *IORequest) error {
	req.normalize()
	if err := req.validate(c.width, c.height); err != nil {
		return err
	}
	if len(c.sources) == 0 {
		return nil
	}

	// Composite column sampled by each buffer column, at pixel centres
	cols := make([]int, req.BufXSize)
	for bx := range cols {
		cols[bx] = req.XOff + int((float64(bx)+0.5)*float64(req.XSize)/float64(req.BufXSize))
	}

	bufSize := req.BufType.Size()
	active := make([]*SimpleSource, 0, len(c.sources))

	for by := 0; by < req.BufYSize; by++ {
		cy := req.YOff + int((float64(by)+0.5)*float64(req.YSize)/float64(req.BufYSize))

		active = active[:0]
		for i := range c.sources {
			d := c.sources[i].Dst
			if cy >= d.Y && cy < d.Y+d.Height {
				active = append(active, &c.sources[i])
			}
		}
		if len(active) == 0 {
			continue
		}

		line := req.Buf[by*req.LineSpace:]
		for bx, cx := range cols {
			v, ok := c.sample(active, cx, cy)
			if !ok {
				continue
			}
			off := bx * req.PixelSpace
			writeSample(line[off:off+bufSize], req.BufType, HostByteOrder, v)
		}
	}
	return nil
}

// sample returns the canonical value at composite pixel (cx, cy) from the
// topmost source holding valid data there.
func (c *MemComposite) sample(active []*SimpleSource, cx, cy int) (float64, bool) {
	for i := len(active) - 1; i >= 0; i-- {
		s := active[i]
		if !s.Dst.Contains(cx, cy) {
			continue
		}
		sx := s.Src.X + int((float64(cx-s.Dst.X)+0.5)*float64(s.Src.Width)/float64(s.Dst.Width))
		sy := s.Src.Y + int((float64(cy-s.Dst.Y)+0.5)*float64(s.Src.Height)/float64(s.Dst.Height))
		if sx >= s.Src.X+s.Src.Width {
			sx = s.Src.X + s.Src.Width - 1
		}
		if sy >= s.Src.Y+s.Src.Height {
			sy = s.Src.Y + s.Src.Height - 1
		}

		size := s.DataType.Size()
		off := (sy*s.Width + sx) * size
		v := readSample(s.Pixels[off:off+size], s.DataType, s.ByteOrder)
		if s.HasNoData && sameValue(v, s.NoData, s.DataType) {
			continue
		}
		return convertValue(v, c.dataType), true
	}
	return 0, false
}
