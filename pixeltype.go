package pgraster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DataType is the canonical pixel type of a band or buffer.
type DataType uint8

const (
	Unknown DataType = iota
	Byte             // 8-bit unsigned integer
	UInt16           // 16-bit unsigned integer
	Int16            // 16-bit signed integer
	UInt32           // 32-bit unsigned integer
	Int32            // 32-bit signed integer
	Float32          // 32-bit IEEE floating point
	Float64          // 64-bit IEEE floating point
)

// HostByteOrder is the byte order of caller buffers passed to RasterIO.
var HostByteOrder binary.ByteOrder = binary.NativeEndian

// Size returns the number of bytes per sample, 0 for Unknown.
func (dt DataType) Size() int {
	switch dt {
	case Byte:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (dt DataType) String() string {
	switch dt {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return "Unknown"
	}
}

// ParseDataType is the inverse of String, case-insensitive.
func ParseDataType(name string) (DataType, error) {
	for dt := Byte; dt <= Float64; dt++ {
		if strings.EqualFold(name, dt.String()) {
			return dt, nil
		}
	}
	return Unknown, fmt.Errorf("unknown data type %q", name)
}

// PixelType is the classification of a stored pixel-type tag. BitDepth is
// always set; values below 8 mark sub-byte storage. SignedByte is only set
// for 8BSI, which the canonical type set cannot represent.
type PixelType struct {
	Tag        string
	DataType   DataType
	BitDepth   int
	SignedByte bool
}

// Size returns the byte size of the canonical type.
func (pt PixelType) Size() int {
	return pt.DataType.Size()
}

// SubByte reports whether the stored samples are narrower than one byte.
func (pt PixelType) SubByte() bool {
	return pt.BitDepth < 8
}

var pixelTypes = map[string]PixelType{
	"1BB":   {Tag: "1BB", DataType: Byte, BitDepth: 1},
	"2BUI":  {Tag: "2BUI", DataType: Byte, BitDepth: 2},
	"4BUI":  {Tag: "4BUI", DataType: Byte, BitDepth: 4},
	"8BUI":  {Tag: "8BUI", DataType: Byte, BitDepth: 8},
	"8BSI":  {Tag: "8BSI", DataType: Byte, BitDepth: 8, SignedByte: true},
	"16BSI": {Tag: "16BSI", DataType: Int16, BitDepth: 16},
	"16BUI": {Tag: "16BUI", DataType: UInt16, BitDepth: 16},
	"32BSI": {Tag: "32BSI", DataType: Int32, BitDepth: 32},
	"32BUI": {Tag: "32BUI", DataType: UInt32, BitDepth: 32},
	"32BF":  {Tag: "32BF", DataType: Float32, BitDepth: 32},
	"64BF":  {Tag: "64BF", DataType: Float64, BitDepth: 64},
}

// ClassifyPixelType maps a pixel-type tag as reported by st_bandpixeltype.
func ClassifyPixelType(tag string) (PixelType, error) {
	pt, ok := pixelTypes[strings.ToUpper(strings.TrimSpace(tag))]
	if !ok {
		return PixelType{}, fmt.Errorf("%w: %q", ErrUnknownPixelType, tag)
	}
	return pt, nil
}

// wkbPixelTags indexes tags by the pixel type code stored in the low nibble of
// a raster WKB band header. Code 9 is reserved.
var wkbPixelTags = [...]string{
	0:  "1BB",
	1:  "2BUI",
	2:  "4BUI",
	3:  "8BSI",
	4:  "8BUI",
	5:  "16BSI",
	6:  "16BUI",
	7:  "32BSI",
	8:  "32BUI",
	10: "32BF",
	11: "64BF",
}

func pixelTypeFromCode(code byte) (PixelType, error) {
	if int(code) >= len(wkbPixelTags) || wkbPixelTags[code] == "" {
		return PixelType{}, fmt.Errorf("%w: code %d", ErrUnknownPixelType, code)
	}
	return pixelTypes[wkbPixelTags[code]], nil
}

// readSample decodes one sample of type dt from b.
func readSample(b []byte, dt DataType, order binary.ByteOrder) float64 {
	switch dt {
	case Byte:
		return float64(b[0])
	case UInt16:
		return float64(order.Uint16(b))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case UInt32:
		return float64(order.Uint32(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// writeSample encodes v as type dt into b.
func writeSample(b []byte, dt DataType, order binary.ByteOrder, v float64) {
	v = convertValue(v, dt)
	switch dt {
	case Byte:
		b[0] = byte(v)
	case UInt16:
		order.PutUint16(b, uint16(v))
	case Int16:
		order.PutUint16(b, uint16(int16(v)))
	case UInt32:
		order.PutUint32(b, uint32(v))
	case Int32:
		order.PutUint32(b, uint32(int32(v)))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	}
}

// convertValue rounds and clamps v into the range of dt. Integer targets
// round half away from zero and map NaN to 0; Float32 loses precision.
func convertValue(v float64, dt DataType) float64 {
	var lo, hi float64
	switch dt {
	case Byte:
		lo, hi = 0, math.MaxUint8
	case UInt16:
		lo, hi = 0, math.MaxUint16
	case Int16:
		lo, hi = math.MinInt16, math.MaxInt16
	case UInt32:
		lo, hi = 0, math.MaxUint32
	case Int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sameValue compares a sample with a nodata value in the domain of dt.
func sameValue(v, nodata float64, dt DataType) bool {
	if math.IsNaN(nodata) {
		return math.IsNaN(v)
	}
	return v == convertValue(nodata, dt)
}
