package pgraster

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Raster WKB constants
const (
	wkbHeaderSize = 61 // endian(1) version(2) bands(2) 6*float64 srid(4) width(2) height(2)

	bandFlagOffline  = 0x80
	bandFlagNoData   = 0x40
	bandFlagIsNoData = 0x20
	bandPixTypeMask  = 0x0F
)

// TileGeometry is the affine placement of a tile in world coordinates.
type TileGeometry struct {
	ScaleX     float64
	ScaleY     float64
	UpperLeftX float64
	UpperLeftY float64
	SkewX      float64
	SkewY      float64
}

// TileView is a decoded tile restricted to one band. Pixels references the
// decoded payload and stays valid until Release is called.
type TileView struct {
	Width     int
	Height    int
	PixelType PixelType
	HasNoData bool
	NoData    float64
	IsNoData  bool
	Geometry  TileGeometry
	SRID      int
	ByteOrder binary.ByteOrder
	Pixels    []byte

	owned []byte
}

// Release returns the decoded payload to the pool. Pixels must not be used
// afterwards. Release is a no-op for views from ParseTileBytes.
func (tv *TileView) Release() {
	if tv == nil || tv.owned == nil {
		return
	}
	PutBuffer(tv.owned)
	tv.owned = nil
	tv.Pixels = nil
}

// ParseTile decodes a hex-encoded raster WKB payload and selects band
// (1-based). The decoded bytes are owned by the view.
func ParseTile(blob string, band int) (*TileView, error) {
	src := []byte(blob)
	if len(src)%2 != 0 {
		return nil, fmt.Errorf("%w: odd hex length %d", ErrMalformedTile, len(src))
	}
	buf := GetBuffer(len(src) / 2)
	if _, err := hex.Decode(buf, src); err != nil {
		PutBuffer(buf)
		return nil, fmt.Errorf("%w: %v", ErrMalformedTile, err)
	}

	tv, err := ParseTileBytes(buf, band)
	if err != nil {
		PutBuffer(buf)
		return nil, err
	}
	tv.owned = buf
	return tv, nil
}

// ParseTileBytes parses an already decoded raster WKB payload. The view
// borrows b.
func ParseTileBytes(b []byte, band int) (*TileView, error) {
	if len(b) < wkbHeaderSize {
		return nil, fmt.Errorf("%w: header truncated (%d bytes)", ErrMalformedTile, len(b))
	}

	var order binary.ByteOrder
	switch b[0] {
	case 0:
		order = binary.BigEndian
	case 1:
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("%w: bad endian flag %d", ErrMalformedTile, b[0])
	}

	if v := order.Uint16(b[1:3]); v != 0 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedTile, v)
	}
	numBands := int(order.Uint16(b[3:5]))
	if band < 1 || band > numBands {
		return nil, fmt.Errorf("%w: band %d out of range (tile has %d)", ErrMalformedTile, band, numBands)
	}

	f := func(off int) float64 { return readSample(b[off:], Float64, order) }
	tv := &TileView{
		Geometry: TileGeometry{
			ScaleX:     f(5),
			ScaleY:     f(13),
			UpperLeftX: f(21),
			UpperLeftY: f(29),
			SkewX:      f(37),
			SkewY:      f(45),
		},
		SRID:      int(int32(order.Uint32(b[53:57]))),
		Width:     int(order.Uint16(b[57:59])),
		Height:    int(order.Uint16(b[59:61])),
		ByteOrder: order,
	}

	pos := wkbHeaderSize
	for i := 1; i <= band; i++ {
		if pos >= len(b) {
			return nil, fmt.Errorf("%w: band %d header truncated", ErrMalformedTile, i)
		}
		flags := b[pos]
		pos++

		pt, err := pixelTypeFromCode(flags & bandPixTypeMask)
		if err != nil {
			return nil, err
		}
		size := pt.Size()
		if pos+size > len(b) {
			return nil, fmt.Errorf("%w: band %d nodata truncated", ErrMalformedTile, i)
		}
		nodata := readSample(b[pos:], pt.DataType, order)
		pos += size

		if flags&bandFlagOffline != 0 {
			if i == band {
				return nil, fmt.Errorf("%w: band %d is stored out of database", ErrMalformedTile, i)
			}
			// external band number, then NUL-terminated path
			if pos+1 > len(b) {
				return nil, fmt.Errorf("%w: band %d path truncated", ErrMalformedTile, i)
			}
			end := bytes.IndexByte(b[pos+1:], 0)
			if end < 0 {
				return nil, fmt.Errorf("%w: band %d path truncated", ErrMalformedTile, i)
			}
			pos += 1 + end + 1
			continue
		}

		n := tv.Width * tv.Height * size
		if pos+n > len(b) {
			return nil, fmt.Errorf("%w: band %d pixels truncated (need %d bytes, have %d)",
				ErrMalformedTile, i, n, len(b)-pos)
		}
		if i == band {
			tv.PixelType = pt
			tv.HasNoData = flags&bandFlagNoData != 0
			tv.IsNoData = flags&bandFlagIsNoData != 0
			tv.NoData = nodata
			tv.Pixels = b[pos : pos+n : pos+n]
		}
		pos += n
	}

	return tv, nil
}
