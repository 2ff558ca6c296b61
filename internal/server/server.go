// Package server exposes a pgraster dataset over HTTP.
package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/maptile"
	"github.com/tingold/pgraster"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/tiff"
)

// MaxBufferPixels bounds the buffer a single request may ask for.
const MaxBufferPixels = 4096 * 4096

// Server serves the bands of one dataset.
type Server struct {
	ds        *pgraster.Dataset
	version   string
	startTime time.Time
	log       *slog.Logger
	srv       *fasthttp.Server
}

// New creates a server for ds. A nil logger selects pgraster.Logger().
func New(ds *pgraster.Dataset, version string, log *slog.Logger) *Server {
	if log == nil {
		log = pgraster.Logger()
	}
	s := &Server{
		ds:        ds,
		version:   version,
		startTime: time.Now(),
		log:       log,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler,
		Name:         "pgrasterd/" + version,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s
}

// ListenAndServe serves HTTP requests on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves HTTP requests from ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// Handler routes a request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	defer func() {
		s.log.Debug("request", "method", string(ctx.Method()), "path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(), "duration", time.Since(start))
	}()

	if !ctx.IsGet() && !ctx.IsHead() {
		s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "health":
		s.health(ctx)
	case len(parts) >= 2 && parts[0] == "bands":
		band, err := s.band(parts[1])
		if err != nil {
			s.writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return
		}
		switch {
		case len(parts) == 2:
			s.describe(ctx, band)
		case len(parts) == 3 && parts[2] == "window":
			s.window(ctx, band)
		case len(parts) == 6 && parts[2] == "tiles":
			s.tile(ctx, band, parts[3:])
		default:
			s.writeError(ctx, fasthttp.StatusNotFound, "not found")
		}
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) band(n string) (*pgraster.Band, error) {
	i, err := strconv.Atoi(n)
	if err != nil {
		return nil, fmt.Errorf("invalid band %q", n)
	}
	b := s.ds.Band(i)
	if b == nil {
		return nil, fmt.Errorf("band %d does not exist (dataset has %d)", i, s.ds.RasterCount())
	}
	return b, nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int    `json:"uptime"`
	Bands   int    `json:"bands"`
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	s.writeJSON(ctx, fasthttp.StatusOK, healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  int(time.Since(s.startTime).Seconds()),
		Bands:   s.ds.RasterCount(),
	})
}

// BandInfo is the JSON description of a band.
type BandInfo struct {
	Index     int               `json:"index"`
	Table     string            `json:"table"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	DataType  string            `json:"dataType"`
	NoData    *float64          `json:"nodata,omitempty"`
	BlockSize [2]int            `json:"blockSize"`
	Overviews []int             `json:"overviews"`
	SRID      int               `json:"srid"`
	Footprint string            `json:"footprint"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) describe(ctx *fasthttp.RequestCtx, b *pgraster.Band) {
	info := BandInfo{
		Index:     b.Index(),
		Table:     b.Table().String(),
		Width:     b.XSize(),
		Height:    b.YSize(),
		DataType:  b.DataType().String(),
		Overviews: []int{},
		SRID:      s.ds.SRID(),
		Footprint: wkt.MarshalString(pgraster.PolygonFromBounds(s.ds.Bounds())),
		Metadata:  b.Metadata(pgraster.ImageStructureDomain),
	}
	if v, ok := b.NoData(); ok {
		info.NoData = &v
	}
	info.BlockSize[0], info.BlockSize[1] = b.BlockSize()
	for i := 0; i < b.OverviewCount(); i++ {
		if ov, ok := b.Overview(i).(*pgraster.Band); ok {
			info.Overviews = append(info.Overviews, ov.Factor())
		}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, info)
}

func (s *Server) window(ctx *fasthttp.RequestCtx, b *pgraster.Band) {
	args := ctx.QueryArgs()

	var (
		x, y, w, h, bw, bh int
		err                error
	)
	for _, p := range []struct {
		name string
		dst  *int
		def  int
	}{
		{"x", &x, 0},
		{"y", &y, 0},
		{"w", &w, b.XSize()},
		{"h", &h, b.YSize()},
	} {
		if *p.dst, err = intArg(args, p.name, p.def); err != nil {
			s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
	}
	if bw, err = intArg(args, "bw", w); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if bh, err = intArg(args, "bh", h); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if bw <= 0 || bh <= 0 || bw*bh > MaxBufferPixels {
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("buffer size %dx%d out of range", bw, bh))
		return
	}

	dt, err := typeArg(args, b.DataType())
	if err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	format := string(args.Peek("format"))
	if format == "" {
		format = "raw"
	}
	if format != "raw" && format != "tiff" {
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}

	buf := make([]byte, bw*bh*dt.Size())
	if nd, ok := b.NoData(); ok {
		pgraster.Fill(buf, dt, nd)
	}
	if err := b.RasterIO(ctx, pgraster.IORead, x, y, w, h, buf, bw, bh, dt, 0, 0); err != nil {
		s.writeReadError(ctx, err)
		return
	}
	s.writeRaster(ctx, format, buf, bw, bh, dt)
}

func (s *Server) tile(ctx *fasthttp.RequestCtx, b *pgraster.Band, zxy []string) {
	var coords [3]uint32
	for i, p := range zxy {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid tile coordinate %q", p))
			return
		}
		coords[i] = uint32(v)
	}
	z, x, y := coords[0], coords[1], coords[2]
	if z > 30 || x >= 1<<z || y >= 1<<z {
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("tile %d/%d/%d out of range", z, x, y))
		return
	}

	args := ctx.QueryArgs()
	size, err := intArg(args, "size", pgraster.DefaultTileSize)
	if err != nil || size <= 0 || size*size > MaxBufferPixels {
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid tile size")
		return
	}
	dt, err := typeArg(args, b.DataType())
	if err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	format := string(args.Peek("format"))
	if format == "" {
		format = "tiff"
	}

	td, err := pgraster.ReadTile(ctx, b, maptile.New(x, y, maptile.Zoom(z)), size, dt)
	if err != nil {
		s.writeReadError(ctx, err)
		return
	}
	s.writeRaster(ctx, format, td.Data, td.Size, td.Size, td.Type)
}

// writeRaster sends a host-order buffer as raw little-endian samples or TIFF.
func (s *Server) writeRaster(ctx *fasthttp.RequestCtx, format string, buf []byte, w, h int, dt pgraster.DataType) {
	ctx.Response.Header.Set("X-Raster-Size", fmt.Sprintf("%dx%d", w, h))
	ctx.Response.Header.Set("X-Raster-Type", dt.String())

	switch format {
	case "raw":
		reorder(buf, dt.Size(), pgraster.HostByteOrder, binary.LittleEndian)
		ctx.SetContentType("application/octet-stream")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(buf)
	case "tiff":
		img, err := grayImage(buf, w, h, dt)
		if err != nil {
			s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
		ctx.SetContentType("image/tiff")
		ctx.SetStatusCode(fasthttp.StatusOK)
		if err := tiff.Encode(ctx, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			s.log.Error("failed to encode tiff", "error", err)
			s.writeError(ctx, fasthttp.StatusInternalServerError, "failed to encode tiff")
		}
	default:
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

// grayImage wraps a host-order buffer as a single channel image.
func grayImage(buf []byte, w, h int, dt pgraster.DataType) (image.Image, error) {
	rect := image.Rect(0, 0, w, h)
	switch dt {
	case pgraster.Byte:
		return &image.Gray{Pix: buf, Stride: w, Rect: rect}, nil
	case pgraster.UInt16:
		reorder(buf, 2, pgraster.HostByteOrder, binary.BigEndian)
		return &image.Gray16{Pix: buf, Stride: 2 * w, Rect: rect}, nil
	default:
		return nil, fmt.Errorf("tiff output supports Byte and UInt16, not %s", dt)
	}
}

// StatusFor maps a band error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pgraster.ErrNotSupported):
		return fasthttp.StatusMethodNotAllowed
	case errors.Is(err, pgraster.ErrInvalidWindow):
		return fasthttp.StatusBadRequest
	case errors.Is(err, pgraster.ErrStoreUnavailable):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (s *Server) writeReadError(ctx *fasthttp.RequestCtx, err error) {
	status := StatusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		s.log.Error("read failed", "path", string(ctx.Path()), "error", err)
	}
	s.writeError(ctx, status, err.Error())
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.ResetBody()
	s.writeJSON(ctx, status, errorResponse{Code: status, Message: msg})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func intArg(args *fasthttp.Args, name string, def int) (int, error) {
	if !args.Has(name) {
		return def, nil
	}
	v, err := strconv.Atoi(string(args.Peek(name)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return v, nil
}

func typeArg(args *fasthttp.Args, def pgraster.DataType) (pgraster.DataType, error) {
	if !args.Has("type") {
		return def, nil
	}
	return pgraster.ParseDataType(string(args.Peek("type")))
}
