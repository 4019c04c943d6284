// Package guidescan runs the background program-guide scan: it cycles
// through each unique broadcast frequency in the catalog, leases a tuner
// (yielding to stream viewers, which may preempt it at any moment),
// captures a short burst of transport-stream data, demultiplexes PSIP
// tables out of it, and upserts whatever programs it found into the guide
// store.
package guidescan

import (
	"bytes"
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zaplink/zaplink-server/internal/catalog"
	"github.com/zaplink/zaplink-server/internal/metrics"
	"github.com/zaplink/zaplink-server/internal/procsup"
	"github.com/zaplink/zaplink-server/internal/psi"
	"github.com/zaplink/zaplink-server/internal/tunerpool"
)

// Store is what guidescan needs from the guide's persistence layer: a
// place to report parsed programs, and a way to decide whether the first
// scan cycle can be skipped because the catalog is already warm.
type Store interface {
	psi.Sink
	HasRecentData() bool
}

// Driver owns the scan loop's configuration and the currently in-flight
// mux scan's cancellation, so a tuner preemption can interrupt it.
type Driver struct {
	Catalog      *catalog.Catalog
	Pool         *tunerpool.Pool
	Store        Store
	CaptureBin   string
	ChannelsConf string

	StartDelay    time.Duration
	AcquireMax    int
	AcquireGap    time.Duration
	CaptureSecs   int
	MuxPause      time.Duration
	CycleSleep    time.Duration
	SkipIfWarm    bool

	mu          sync.Mutex
	activeMux   map[int]context.CancelFunc // tuner id -> cancel for the scan currently running on it
}

// New returns a Driver ready to Run. Callers should wire
// pool.PreemptFunc = driver.Preempt so a STREAM acquisition interrupts
// whatever mux scan is using that tuner instead of racing it.
func New(cat *catalog.Catalog, pool *tunerpool.Pool, store Store, captureBin, channelsConf string) *Driver {
	return &Driver{
		Catalog:      cat,
		Pool:         pool,
		Store:        store,
		CaptureBin:   captureBin,
		ChannelsConf: channelsConf,
		StartDelay:   5 * time.Second,
		AcquireMax:   5,
		AcquireGap:   1 * time.Second,
		CaptureSecs:  15,
		MuxPause:     2 * time.Second,
		CycleSleep:   15 * time.Minute,
		SkipIfWarm:   true,
		activeMux:    make(map[int]context.CancelFunc),
	}
}

// Preempt cancels the in-flight mux scan running on tunerID, if any. It is
// registered as tunerpool.Pool.PreemptFunc so a STREAM request that takes
// over an EPG-held tuner immediately stops the scan using it rather than
// letting both sides race over the same adapter.
func (d *Driver) Preempt(tunerID int) {
	d.mu.Lock()
	cancel, ok := d.activeMux[tunerID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run starts the scan loop and blocks until ctx is canceled.
func (d *Driver) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(d.StartDelay):
	}

	for ctx.Err() == nil {
		if d.SkipIfWarm && d.Store.HasRecentData() {
			log.Printf("guidescan: catalog already has recent data, skipping first cycle")
			d.SkipIfWarm = false
		} else {
			d.runCycle(ctx)
			metrics.GuideScanCyclesTotal.Inc()
		}
		d.SkipIfWarm = false

		if !sleepChunked(ctx, d.CycleSleep) {
			return
		}
	}
}

func (d *Driver) runCycle(ctx context.Context) {
	log.Printf("guidescan: starting scan cycle")
	frequencies := d.Catalog.UniqueFrequencies()

	limiter := rate.NewLimiter(rate.Every(d.AcquireGap), 1)

	for _, freq := range frequencies {
		if ctx.Err() != nil {
			return
		}

		lease, ok := d.acquireWithRetry(ctx, limiter)
		if !ok {
			log.Printf("guidescan: no tuner available for %s, skipping", freq)
			continue
		}

		d.scanMux(ctx, lease, freq)

		if !sleepChunked(ctx, d.MuxPause) {
			return
		}
	}
	log.Printf("guidescan: scan cycle complete")
}

func (d *Driver) acquireWithRetry(ctx context.Context, limiter *rate.Limiter) (*tunerpool.Lease, bool) {
	for attempt := 0; attempt < d.AcquireMax; attempt++ {
		lease, err := d.Pool.Acquire(tunerpool.PurposeEPG)
		if err == nil {
			return lease, true
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, false
		}
	}
	return nil, false
}

// scanMux captures CaptureSecs seconds of transport stream from one
// frequency and demuxes PSIP tables out of it. The capture is bound to a
// context the driver can cancel from Preempt, so a stream request that
// takes this tuner away stops the scan immediately rather than letting it
// run to its normal timeout against a tuner it no longer owns.
func (d *Driver) scanMux(ctx context.Context, lease *tunerpool.Lease, frequency string) {
	tunerID, _ := lease.Tuner()
	muxCtx, cancel := context.WithTimeout(ctx, time.Duration(d.CaptureSecs+5)*time.Second)
	d.mu.Lock()
	d.activeMux[tunerID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.activeMux, tunerID)
		d.mu.Unlock()
		lease.Release()
	}()

	log.Printf("guidescan: scanning mux %s on tuner %d", frequency, tunerID)

	capture, err := procsup.Spawn(procsup.Spec{
		Name: "epgscan",
		Path: d.CaptureBin,
		Args: []string{"-c", d.ChannelsConf, "-a", strconv.Itoa(tunerID), "-P", "-t", strconv.Itoa(d.CaptureSecs), "-o", "-", frequencyChannelName(d.Catalog, frequency)},
		Stdout: procsup.Stdio{Mode: procsup.StdioPipe},
		Stderr: procsup.Stdio{Mode: procsup.StdioDevNull},
	})
	if err != nil {
		log.Printf("guidescan: spawn capture for %s: %v", frequency, err)
		return
	}
	defer capture.Terminate(500 * time.Millisecond)

	demux := psi.NewDemuxer(frequency, countingSink{d.Store})
	buf := make([]byte, 4096*4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, readErr := capture.Stdout.Read(buf)
			if n > 0 {
				demux.Feed(bytes.Clone(buf[:n]))
			}
			if readErr != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-muxCtx.Done():
	}
}

// countingSink forwards to an underlying psi.Sink while counting every
// program reported, so scanMux's demuxer can feed the guide store directly
// without guidescan having to intercept each parsed program itself.
type countingSink struct {
	psi.Sink
}

func (c countingSink) AddProgram(p psi.Program) {
	metrics.GuideScanProgramsUpsertedTotal.Inc()
	c.Sink.AddProgram(p)
}

// frequencyChannelName returns the channel number of some channel on freq
// (or freq itself if none matches), since dvbv5-zap tunes by channel
// name/number rather than raw frequency.
func frequencyChannelName(cat *catalog.Catalog, freq string) string {
	for _, ch := range cat.Snapshot() {
		if ch.Frequency == freq {
			return ch.Number
		}
	}
	return freq
}

// sleepChunked sleeps for d in 1-second slices so ctx cancellation is
// observed promptly instead of only after the full duration elapses.
func sleepChunked(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}
