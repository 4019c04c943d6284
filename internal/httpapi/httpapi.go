// Package httpapi wires the stream/transcode/HLS/lineup/guide operations
// onto an http.ServeMux and runs the listener, following the teacher's
// Server.Run(ctx) shape: build the mux once, serve with h2c so plain HTTP/2
// clients work without TLS, and shut down cleanly on context cancellation.
package httpapi

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/zaplink/zaplink-server/internal/apierr"
	"github.com/zaplink/zaplink-server/internal/catalog"
	"github.com/zaplink/zaplink-server/internal/epgstore"
	"github.com/zaplink/zaplink-server/internal/hlsmgr"
	"github.com/zaplink/zaplink-server/internal/metrics"
	"github.com/zaplink/zaplink-server/internal/pipeline"
	"github.com/zaplink/zaplink-server/internal/transcode"
	"github.com/zaplink/zaplink-server/internal/tunerpool"
)

// Server owns every dependency an HTTP operation needs and turns request
// paths into calls against them.
type Server struct {
	Addr    string
	BaseURL string

	Catalog      *catalog.Catalog
	Pool         *tunerpool.Pool
	HLS          *hlsmgr.Manager
	EPG          *epgstore.Store
	CaptureBin   string
	ChannelsConf string
	FFmpegBin    string

	StreamAcquireMax int
	StreamAcquireGap time.Duration
}

// Run builds the mux, starts the listener, and blocks until ctx is
// canceled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/transcode/", s.handleTranscode)
	mux.HandleFunc("/hls/", s.handleHLS)
	mux.HandleFunc("/lineup.m3u", s.handleGlobalPlaylist(hlsmgr.KindPlain))
	mux.HandleFunc("/lineup.json", s.handleLineupJSON)
	mux.HandleFunc("/guide.xml", s.handleGuideXML)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	addr := s.Addr
	if addr == "" {
		addr = ":5004"
	}

	h2s := &http2.Server{}
	srv := &http.Server{Addr: addr, Handler: h2c.NewHandler(logRequests(mux), h2s)}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("httpapi: listening on %s (BaseURL %s)", addr, s.BaseURL)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("httpapi: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("httpapi: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}

// handleStream serves stream(channel): raw, untranscoded MPEG-TS.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimPrefix(r.URL.Path, "/stream/")
	if channel == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.BadParams, "missing channel"))
		return
	}
	if _, ok := s.Catalog.ByNumber(channel); !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "unknown channel "+channel))
		return
	}

	lease, err := s.acquireStreamLease()
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NoTuner, "no tuner available"))
		return
	}
	tunerID, _ := lease.Tuner()

	w.Header().Set("Content-Type", "video/mp2t")
	flusher, _ := w.(http.Flusher)

	p, err := pipeline.RunCaptureOnly(r.Context(), pipeline.Spec{
		CaptureBin:   s.CaptureBin,
		ChannelsConf: s.ChannelsConf,
		TunerID:      tunerID,
		ChannelNum:   channel,
		Sink:         flushingWriter{w, flusher},
	}, lease)
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "failed to start stream", err))
		return
	}
	defer p.Stop()
	p.Wait()
}

// handleTranscode serves transcode(channel, backend, codec, surround, bitrate).
// Path: /transcode/{backend}/{codec}[/b{kbps}][/ac6]/{channel}; the
// ?surround=1&bitrate=4000 query form is also accepted.
func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/transcode/"), "/")
	n := len(parts)
	if n < 3 || n > 5 || parts[n-1] == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.BadParams, "path must be /transcode/{backend}/{codec}[/b{kbps}][/ac6]/{channel}"))
		return
	}
	backend := transcode.ParseBackend(parts[0])
	codec := transcode.ParseCodec(parts[1])
	channel := parts[n-1]

	if _, ok := s.Catalog.ByNumber(channel); !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "unknown channel "+channel))
		return
	}

	surround := r.URL.Query().Get("surround") == "1"
	bitrateKbps, _ := strconv.Atoi(r.URL.Query().Get("bitrate"))
	for _, seg := range parts[2 : n-1] {
		kbps, err := strconv.Atoi(strings.TrimPrefix(seg, "b"))
		switch {
		case seg == "ac6":
			surround = true
		case strings.HasPrefix(seg, "b") && err == nil:
			bitrateKbps = kbps
		default:
			apierr.WriteHTTP(w, apierr.New(apierr.BadParams, "unrecognized transcode path parameter "+seg))
			return
		}
	}

	lease, err := s.acquireStreamLease()
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.NoTuner, "no tuner available"))
		return
	}
	tunerID, _ := lease.Tuner()

	w.Header().Set("Content-Type", codec.ContentType())
	flusher, _ := w.(http.Flusher)

	p, err := pipeline.Run(r.Context(), pipeline.Spec{
		CaptureBin:   s.CaptureBin,
		ChannelsConf: s.ChannelsConf,
		TunerID:      tunerID,
		ChannelNum:   channel,
		FFmpegBin:    s.FFmpegBin,
		Backend:      backend,
		Codec:        codec,
		Surround:     surround,
		BitrateKbps:  bitrateKbps,
		Output:       transcode.OutputPipe,
		Dest:         "pipe:1",
		Sink:         flushingWriter{w, flusher},
	}, lease)
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "failed to start transcode", err))
		return
	}
	defer p.Stop()
	p.Wait()
}

// handleHLS serves hls_playlist and hls_segment under one prefix:
// /hls/{backend}/{codec}[/b{kbps}][/ac6]/{channel}/index.m3u8 and
// /hls/{sessionID}/{file}.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/hls/")
	parts := strings.Split(rest, "/")

	if n := len(parts); n >= 4 && parts[n-1] == "index.m3u8" {
		backend := transcode.ParseBackend(parts[0])
		codec := transcode.ParseCodec(parts[1])
		channel := parts[n-2]
		surround := r.URL.Query().Get("surround") == "1"
		bitrateKbps, _ := strconv.Atoi(r.URL.Query().Get("bitrate"))
		for _, seg := range parts[2 : n-2] {
			kbps, err := strconv.Atoi(strings.TrimPrefix(seg, "b"))
			switch {
			case seg == "ac6":
				surround = true
			case strings.HasPrefix(seg, "b") && err == nil:
				bitrateKbps = kbps
			default:
				apierr.WriteHTTP(w, apierr.New(apierr.BadParams, "unrecognized HLS path parameter "+seg))
				return
			}
		}

		data, err := s.HLS.ResolvePlaylist(r.Context(), channel, backend, codec, surround, bitrateKbps)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write(data)
		return
	}

	if len(parts) == 2 {
		data, err := s.HLS.ResolveSegment(parts[0], parts[1])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		if strings.HasSuffix(parts[1], ".m4s") {
			w.Header().Set("Content-Type", "video/iso.segment")
		} else {
			w.Header().Set("Content-Type", "video/mp2t")
		}
		w.Write(data)
		return
	}

	apierr.WriteHTTP(w, apierr.New(apierr.BadParams, "unrecognized HLS path"))
}

// handleGlobalPlaylist serves global_playlist(host, kind, params) for a
// fixed kind (used for the plain /lineup.m3u route).
func (s *Server) handleGlobalPlaylist(kind hlsmgr.GlobalPlaylistKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write(s.HLS.GlobalPlaylist(r.Host, kind, transcode.BackendSoftware, transcode.CodecH264, false, 0))
	}
}

func (s *Server) handleLineupJSON(w http.ResponseWriter, r *http.Request) {
	type lineupEntry struct {
		GuideNumber string `json:"GuideNumber"`
		GuideName   string `json:"GuideName"`
		URL         string `json:"URL"`
	}
	channels := s.Catalog.Snapshot()
	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		out = append(out, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
			URL:         fmt.Sprintf("http://%s/stream/%s", r.Host, ch.Number),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeCompressed(w, r, func(dst io.Writer) error {
		return json.NewEncoder(dst).Encode(out)
	})
}

// handleGuideXML serves the EPG as XMLTV.
func (s *Server) handleGuideXML(w http.ResponseWriter, r *http.Request) {
	type xmltvProgramme struct {
		Channel string `xml:"channel,attr"`
		Start   string `xml:"start,attr"`
		Stop    string `xml:"stop,attr"`
		Title   string `xml:"title"`
	}
	type xmltvDoc struct {
		XMLName    xml.Name         `xml:"tv"`
		Programmes []xmltvProgramme `xml:"programme"`
	}

	from := time.Now().Add(-1 * time.Hour).UnixMilli()
	to := time.Now().Add(14 * 24 * time.Hour).UnixMilli()
	programs, err := s.EPG.Query(from, to)
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "query guide", err))
		return
	}

	doc := xmltvDoc{}
	for _, p := range programs {
		doc.Programmes = append(doc.Programmes, xmltvProgramme{
			Channel: p.ChannelNumber,
			Start:   time.UnixMilli(p.StartUnixMillis).UTC().Format("20060102150405 +0000"),
			Stop:    time.UnixMilli(p.EndUnixMillis).UTC().Format("20060102150405 +0000"),
			Title:   p.Title,
		})
	}

	w.Header().Set("Content-Type", "application/xml")
	writeCompressed(w, r, func(dst io.Writer) error {
		_, err := dst.Write([]byte(xml.Header))
		if err != nil {
			return err
		}
		enc := xml.NewEncoder(dst)
		enc.Indent("", "  ")
		return enc.Encode(doc)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Catalog.Count() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"loading"}`))
		return
	}
	fmt.Fprintf(w, `{"status":"ok","channels":%d,"tuners":%d}`, s.Catalog.Count(), s.Pool.Count())
}

// acquireStreamLease retries PurposeStream acquisition a bounded number of
// times with a fixed gap between attempts. Preempting an EPG hold happens
// synchronously inside Acquire, so the retries only help when every tuner
// is held for streaming and one of those holders releases in the meantime.
func (s *Server) acquireStreamLease() (*tunerpool.Lease, error) {
	max := s.StreamAcquireMax
	if max <= 0 {
		max = 5
	}
	gap := s.StreamAcquireGap
	if gap <= 0 {
		gap = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		lease, err := s.Pool.Acquire(tunerpool.PurposeStream)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		time.Sleep(gap)
	}
	return nil, lastErr
}

// flushingWriter flushes after every write so streamed bytes reach the
// client promptly instead of waiting on Go's default response buffering.
type flushingWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushingWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// writeCompressed brotli-compresses the response when the client advertises
// support for it, falling back to gzip, then to uncompressed.
func writeCompressed(w http.ResponseWriter, r *http.Request, encode func(io.Writer) error) {
	accept := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accept, "br"):
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		if err := encode(bw); err != nil {
			log.Printf("httpapi: brotli encode: %v", err)
		}
	case strings.Contains(accept, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		if err := encode(gw); err != nil {
			log.Printf("httpapi: gzip encode: %v", err)
		}
	default:
		if err := encode(w); err != nil {
			log.Printf("httpapi: encode: %v", err)
		}
	}
}

