// Command zaplink-server shares a small set of physical ATSC/DVB tuners
// across live-viewing, transcoding, and HLS clients, while a background
// scan keeps a local program guide populated from each channel's own
// over-the-air PSIP tables.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zaplink/zaplink-server/internal/catalog"
	"github.com/zaplink/zaplink-server/internal/config"
	"github.com/zaplink/zaplink-server/internal/epgstore"
	"github.com/zaplink/zaplink-server/internal/guidescan"
	"github.com/zaplink/zaplink-server/internal/hlsmgr"
	"github.com/zaplink/zaplink-server/internal/httpapi"
	"github.com/zaplink/zaplink-server/internal/tunerpool"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("zaplink-server: .env load: %v", err)
	}
	cfg := config.Load()

	cat := catalog.New()
	if err := cat.Load(cfg.ChannelsConf); err != nil {
		log.Fatalf("zaplink-server: load channels: %v", err)
	}
	log.Printf("zaplink-server: loaded %d channels from %s", cat.Count(), cfg.ChannelsConf)

	pool, err := tunerpool.Discover(cfg.AdapterDir)
	if err != nil {
		log.Fatalf("zaplink-server: discover tuners: %v", err)
	}
	if cfg.TunerCount > 0 {
		pool = tunerpool.New(explicitTuners(cfg.TunerCount, cfg.AdapterDir))
	}
	log.Printf("zaplink-server: %d tuner(s) available", pool.Count())

	epg, err := epgstore.Open(cfg.EPGDatabasePath)
	if err != nil {
		log.Fatalf("zaplink-server: open EPG store: %v", err)
	}
	defer epg.Close()

	hls, err := hlsmgr.New(cfg.HLSStorageRoot, cat, pool, cfg.CaptureBin, cfg.ChannelsConf, cfg.FFmpegBin)
	if err != nil {
		log.Fatalf("zaplink-server: init HLS manager: %v", err)
	}

	scan := guidescan.New(cat, pool, epg, cfg.CaptureBin, cfg.ChannelsConf)
	scan.StartDelay = cfg.ScanStartDelay
	scan.AcquireMax = cfg.ScanAcquireMax
	scan.AcquireGap = cfg.ScanAcquireGap
	scan.CaptureSecs = cfg.ScanCaptureSecs
	scan.MuxPause = cfg.ScanMuxPause
	scan.CycleSleep = cfg.ScanCycleSleep
	scan.SkipIfWarm = cfg.ScanSkipIfWarm
	pool.PreemptFunc = scan.Preempt

	api := &httpapi.Server{
		Addr:             cfg.ListenAddr,
		BaseURL:          cfg.BaseURL,
		Catalog:          cat,
		Pool:             pool,
		HLS:              hls,
		EPG:              epg,
		CaptureBin:       cfg.CaptureBin,
		ChannelsConf:     cfg.ChannelsConf,
		FFmpegBin:        cfg.FFmpegBin,
		StreamAcquireMax: cfg.StreamAcquireMax,
		StreamAcquireGap: cfg.StreamAcquireGap,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scan.Run(ctx)
	go runHousekeeping(ctx, hls, cfg.HLSHousekeeping)
	go runExpiry(ctx, epg, cfg.EPGRetention)

	if err := api.Run(ctx); err != nil {
		log.Fatalf("zaplink-server: http: %v", err)
	}
	hls.Shutdown()
}

// explicitTuners builds a tuner list of the requested count rooted at dir,
// for deployments that want to cap tuner count below what Discover finds
// (e.g. reserving adapters for another process).
func explicitTuners(count int, dir string) []tunerpool.Tuner {
	out := make([]tunerpool.Tuner, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, tunerpool.Tuner{ID: i, Path: filepath.Join(dir, fmt.Sprintf("adapter%d", i))})
	}
	return out
}

func runHousekeeping(ctx context.Context, hls *hlsmgr.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hls.Housekeep()
		}
	}
}

func runExpiry(ctx context.Context, epg *epgstore.Store, retention time.Duration) {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := epg.Expire(time.Now().Add(-retention)); err != nil {
				log.Printf("zaplink-server: EPG expire: %v", err)
			} else if n > 0 {
				log.Printf("zaplink-server: EPG expire: removed %d stale programs", n)
			}
		}
	}
}
