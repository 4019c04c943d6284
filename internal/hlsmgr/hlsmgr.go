// Package hlsmgr pools and deduplicates HLS streaming sessions: identical
// concurrent requests (same channel/backend/codec/surround/bitrate) share
// one encoder, playlists are rewritten so segment URIs route back through
// this package, and idle or dead sessions are garbage-collected by a
// periodic housekeeping pass.
package hlsmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zaplink/zaplink-server/internal/apierr"
	"github.com/zaplink/zaplink-server/internal/catalog"
	"github.com/zaplink/zaplink-server/internal/metrics"
	"github.com/zaplink/zaplink-server/internal/pipeline"
	"github.com/zaplink/zaplink-server/internal/procsup"
	"github.com/zaplink/zaplink-server/internal/transcode"
	"github.com/zaplink/zaplink-server/internal/tunerpool"
)

// MaxSessions bounds the active session pool.
const MaxSessions = 32

// PlaylistWait is how long ResolvePlaylist waits for the playlist file to
// first appear on disk before giving up with apierr.Retry.
const PlaylistWait = 10 * time.Second

// IdleTimeout is how long a session may go without a playlist or segment
// fetch before housekeeping tears it down.
const IdleTimeout = 30 * time.Second

// fingerprint identifies a deduplicatable HLS request.
type fingerprint struct {
	channel     string
	backend     transcode.Backend
	codec       transcode.Codec
	surround    bool
	bitrateKbps int
}

// Session is one pooled HLS encode, its on-disk directory, and the
// pipeline (tuner lease + capture/encode children) backing it.
type Session struct {
	ID  string
	dir string
	fp  fingerprint

	mu          sync.Mutex
	pipe        *pipeline.Pipeline
	lastTouched time.Time
	startErr    error
	started     bool
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastTouched = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastTouched)
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return false
	}
	return s.pipe.Poll().State == procsup.Alive
}

// Manager owns the bounded HLS session pool.
type Manager struct {
	StorageRoot string
	Catalog     *catalog.Catalog
	Pool        *tunerpool.Pool

	CaptureBin   string
	ChannelsConf string
	FFmpegBin    string

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns a Manager rooted at storageRoot, creating it if necessary.
func New(storageRoot string, cat *catalog.Catalog, pool *tunerpool.Pool, captureBin, channelsConf, ffmpegBin string) (*Manager, error) {
	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("hlsmgr: create storage root: %w", err)
	}
	return &Manager{
		StorageRoot:  storageRoot,
		Catalog:      cat,
		Pool:         pool,
		CaptureBin:   captureBin,
		ChannelsConf: channelsConf,
		FFmpegBin:    ffmpegBin,
		sessions:     make(map[string]*Session),
	}, nil
}

// ResolvePlaylist finds or creates the session matching this fingerprint,
// waits for its playlist to appear, and returns the rewritten bytes with
// every segment-file line prefixed by /hls/<session id>/.
func (m *Manager) ResolvePlaylist(ctx context.Context, channel string, backend transcode.Backend, codec transcode.Codec, surround bool, bitrateKbps int) ([]byte, error) {
	if _, ok := m.Catalog.ByNumber(channel); !ok {
		return nil, apierr.New(apierr.NotFound, "unknown channel "+channel)
	}

	fp := fingerprint{channel: channel, backend: backend, codec: codec, surround: surround, bitrateKbps: bitrateKbps}
	session, err := m.findOrCreate(fp)
	if err != nil {
		return nil, err
	}
	session.touch()

	if err := m.ensureStarted(ctx, session); err != nil {
		return nil, err
	}

	playlistPath := filepath.Join(session.dir, "index.m3u8")
	deadline := time.Now().Add(PlaylistWait)
	for {
		data, err := os.ReadFile(playlistPath)
		if err == nil {
			return rewritePlaylist(data, session.ID), nil
		}
		if time.Now().After(deadline) {
			return nil, apierr.New(apierr.Retry, "stream initializing")
		}
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.Internal, "canceled waiting for playlist", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ResolveSegment returns the bytes of one session's segment file, guarding
// against path traversal and unknown sessions.
func (m *Manager) ResolveSegment(sessionID, filename string) ([]byte, error) {
	if strings.Contains(sessionID, "..") || strings.Contains(filename, "..") ||
		strings.ContainsAny(sessionID, "/\\") || strings.ContainsAny(filename, "/\\") {
		return nil, apierr.New(apierr.Forbidden, "invalid path")
	}

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown session")
	}
	session.touch()

	path := filepath.Join(m.StorageRoot, sessionID, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.New(apierr.NotFound, "segment not found")
	}
	return data, nil
}

// GlobalPlaylistKind selects which route GlobalPlaylist's entries point at.
type GlobalPlaylistKind int

const (
	KindPlain GlobalPlaylistKind = iota
	KindTranscode
	KindHLS
)

// GlobalPlaylist lists every catalog channel as an #EXTM3U entry pointing
// back at this server for the given output kind and transcode params.
func (m *Manager) GlobalPlaylist(host string, kind GlobalPlaylistKind, backend transcode.Backend, codec transcode.Codec, surround bool, bitrateKbps int) []byte {
	if host == "" {
		host = "localhost"
	}
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")

	paramPath := paramPathFor(kind, backend, codec, surround, bitrateKbps)

	for _, ch := range m.Catalog.Snapshot() {
		fmt.Fprintf(&buf, "#EXTINF:-1 tvg-id=%q tvg-name=%q,%s %s\n", ch.Number, ch.Name, ch.Number, ch.Name)
		switch kind {
		case KindPlain:
			fmt.Fprintf(&buf, "http://%s/stream/%s\n", host, url.PathEscape(ch.Number))
		case KindTranscode:
			fmt.Fprintf(&buf, "http://%s/transcode%s/%s\n", host, paramPath, url.PathEscape(ch.Number))
		case KindHLS:
			fmt.Fprintf(&buf, "http://%s/hls%s/%s/index.m3u8\n", host, paramPath, url.PathEscape(ch.Number))
		}
	}
	return buf.Bytes()
}

func paramPathFor(kind GlobalPlaylistKind, backend transcode.Backend, codec transcode.Codec, surround bool, bitrateKbps int) string {
	if kind == KindPlain {
		return ""
	}
	p := "/" + backend.String() + "/" + codec.String()
	if bitrateKbps > 0 {
		p += "/b" + strconv.Itoa(bitrateKbps)
	}
	if surround {
		p += "/ac6"
	}
	return p
}

// Housekeep tears down any session whose encoder has died or that has been
// idle past IdleTimeout.
func (m *Manager) Housekeep() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		session, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if !session.alive() {
			metrics.HLSSessionsReapedTotal.WithLabelValues("dead").Inc()
			m.teardown(session)
		} else if session.idleFor() > IdleTimeout {
			metrics.HLSSessionsReapedTotal.WithLabelValues("idle").Inc()
			m.teardown(session)
		}
	}
}

// Shutdown tears down every active session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.teardown(s)
	}
}

func (m *Manager) teardown(session *Session) {
	session.mu.Lock()
	pipe := session.pipe
	session.pipe = nil
	session.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	os.RemoveAll(session.dir)

	m.mu.Lock()
	delete(m.sessions, session.ID)
	metrics.HLSActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// findOrCreate returns the session matching fp, allocating one if none
// exists and the pool isn't full. Lookup-or-allocate is linearized under
// m.mu so two concurrent requests for the same fingerprint never create
// two sessions.
func (m *Manager) findOrCreate(fp fingerprint) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.fp == fp {
			return s, nil
		}
	}
	if len(m.sessions) >= MaxSessions {
		return nil, apierr.New(apierr.Retry, "max HLS sessions reached")
	}

	id := uuid.NewString() + "_" + strconv.FormatInt(time.Now().Unix(), 10)
	dir := filepath.Join(m.StorageRoot, id)
	session := &Session{ID: id, dir: dir, fp: fp, lastTouched: time.Now()}
	m.sessions[id] = session
	metrics.HLSActiveSessions.Set(float64(len(m.sessions)))
	return session, nil
}

// ensureStarted spawns the session's capture/encode pipeline exactly once.
func (m *Manager) ensureStarted(ctx context.Context, session *Session) error {
	session.mu.Lock()
	if session.started {
		err := session.startErr
		session.mu.Unlock()
		return err
	}
	session.started = true
	session.mu.Unlock()

	if err := os.MkdirAll(session.dir, 0o755); err != nil {
		err = apierr.Wrap(apierr.Internal, "create session directory", err)
		session.mu.Lock()
		session.startErr = err
		session.mu.Unlock()
		return err
	}

	lease, err := m.Pool.Acquire(tunerpool.PurposeStream)
	if err != nil {
		err = apierr.New(apierr.NoTuner, "no tuner available")
		session.mu.Lock()
		session.startErr = err
		session.mu.Unlock()
		return err
	}

	playlistPath := filepath.Join(session.dir, "index.m3u8")
	tunerID, _ := lease.Tuner()
	spec := pipeline.Spec{
		CaptureBin:   m.CaptureBin,
		ChannelsConf: m.ChannelsConf,
		TunerID:      tunerID,
		ChannelNum:   session.fp.channel,
		FFmpegBin:    m.FFmpegBin,
		Backend:      session.fp.backend,
		Codec:        session.fp.codec,
		Surround:     session.fp.surround,
		BitrateKbps:  session.fp.bitrateKbps,
		Output:       transcode.OutputHLS,
		Dest:         playlistPath,
	}

	pipe, err := pipeline.Run(ctx, spec, lease)
	if err != nil {
		err = apierr.Wrap(apierr.Internal, "failed to start HLS session", err)
		session.mu.Lock()
		session.startErr = err
		session.mu.Unlock()
		return err
	}

	session.mu.Lock()
	session.pipe = pipe
	session.mu.Unlock()
	metrics.HLSSessionsStartedTotal.Inc()
	return nil
}

// rewritePlaylist prefixes every segment-referencing line of an HLS
// playlist with /hls/<sessionID>/ so requests for it route back through
// ResolveSegment.
func rewritePlaylist(data []byte, sessionID string) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, ".ts") || strings.HasSuffix(line, ".m4s") {
			fmt.Fprintf(&out, "/hls/%s/%s\n", sessionID, line)
		} else {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}
