package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tingold/pgraster"
	"github.com/tingold/pgraster/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Open the raster column and serve it over HTTP.

Endpoints:
  GET /health
  GET /bands/{n}
  GET /bands/{n}/window?x=&y=&w=&h=&bw=&bh=&type=&format=raw|tiff
  GET /bands/{n}/tiles/{z}/{x}/{y}?size=&type=`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server options
	serveCmd.Flags().StringP("listen", "l", "localhost:8080", "listen address")

	// Raster options
	serveCmd.Flags().Int("srid", pgraster.UnknownSRID, "spatial reference id of the raster")
	serveCmd.Flags().String("projection", "", "projection string reported for the raster")
	serveCmd.Flags().StringSlice("geotransform", nil, "geotransform as 'ulx,scalex,skewx,uly,skewy,scaley' (required)")
	serveCmd.Flags().Int("width", 0, "raster width in pixels (required)")
	serveCmd.Flags().Int("height", 0, "raster height in pixels (required)")
	serveCmd.Flags().StringSlice("bands", []string{"8BUI"}, "pixel type of each band")
	serveCmd.Flags().String("nodata", "", "nodata value applied to every band")
	serveCmd.Flags().Bool("regular-blocking", false, "all tiles share the block size")
	serveCmd.Flags().Int("block-width", 0, "block width in pixels")
	serveCmd.Flags().Int("block-height", 0, "block height in pixels")

	for _, name := range []string{
		"listen", "srid", "projection", "geotransform", "width", "height", "bands",
		"nodata", "regular-blocking", "block-width", "block-height",
	} {
		viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := datasetConfig()
	if err != nil {
		return err
	}

	dsn := viper.GetString("dsn")
	if dsn == "" {
		return fmt.Errorf("a connection string is required (use --dsn or PGRASTERD_DSN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pgraster.ConnectPG(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	ds, err := pgraster.Open(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.TableRef, err)
	}

	log := pgraster.Logger()
	srv := server.New(ds, version, log)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		done := make(chan error, 1)
		go func() { done <- srv.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				log.Error("server shutdown error", "error", err)
			}
		case <-time.After(10 * time.Second):
			log.Error("server shutdown timed out")
		}
	}()

	addr := viper.GetString("listen")
	log.Info("starting pgrasterd", "addr", addr, "table", ds.Table().String(),
		"size", fmt.Sprintf("%dx%d", ds.XSize(), ds.YSize()), "bands", ds.RasterCount())

	if err := srv.ListenAndServe(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// datasetConfig assembles the dataset config from viper.
func datasetConfig() (pgraster.DatasetConfig, error) {
	cfg := pgraster.DatasetConfig{
		TableRef: pgraster.TableRef{
			Schema: viper.GetString("schema"),
			Table:  viper.GetString("table"),
			Column: viper.GetString("column"),
		},
		Where:           viper.GetString("where"),
		SRID:            viper.GetInt("srid"),
		Projection:      viper.GetString("projection"),
		XSize:           viper.GetInt("width"),
		YSize:           viper.GetInt("height"),
		RegularBlocking: viper.GetBool("regular-blocking"),
		BlockXSize:      viper.GetInt("block-width"),
		BlockYSize:      viper.GetInt("block-height"),
	}
	if cfg.Table == "" {
		return cfg, fmt.Errorf("a raster table is required (use --table)")
	}

	gt, err := parseGeoTransform(viper.GetStringSlice("geotransform"))
	if err != nil {
		return cfg, err
	}
	cfg.GeoTransform = gt

	var (
		hasNoData bool
		noData    float64
	)
	if s := viper.GetString("nodata"); s != "" {
		if noData, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return cfg, fmt.Errorf("invalid nodata: %v", err)
		}
		hasNoData = true
	}
	for _, tag := range viper.GetStringSlice("bands") {
		cfg.Bands = append(cfg.Bands, pgraster.BandConfig{PixelType: tag, HasNoData: hasNoData, NoData: noData})
	}
	return cfg, nil
}

func parseGeoTransform(parts []string) (pgraster.GeoTransform, error) {
	var gt pgraster.GeoTransform
	if len(parts) != len(gt) {
		return gt, fmt.Errorf("geotransform must be in format 'ulx,scalex,skewx,uly,skewy,scaley'")
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gt, fmt.Errorf("invalid geotransform coefficient %d: %v", i, err)
		}
		gt[i] = v
	}
	return gt, nil
}
