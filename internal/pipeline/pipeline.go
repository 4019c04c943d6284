// Package pipeline runs one capture-then-encode chain: a capture process
// (dvbv5-zap tuning a leased adapter onto a channel) piped into an encode
// process (ffmpeg), wired per internal/transcode's argv and relayed to
// either a caller-supplied sink (PIPE mode) or left running with its
// encoder writing directly to an HLS output tree (HLS mode).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zaplink/zaplink-server/internal/procsup"
	"github.com/zaplink/zaplink-server/internal/transcode"
	"github.com/zaplink/zaplink-server/internal/tunerpool"
)

// Spec describes one pipeline run.
type Spec struct {
	CaptureBin string // e.g. dvbv5-zap
	ChannelsConf string
	TunerID    int
	ChannelNum string

	FFmpegBin string
	Backend   transcode.Backend
	Codec     transcode.Codec
	Surround  bool
	BitrateKbps int

	// Output selects where the encoder writes. For OutputPipe, Run relays
	// the encoder's stdout to Sink. For OutputHLS, Dest is the playlist
	// path and Run leaves both children running, returning immediately
	// once they've started.
	Output transcode.OutputKind
	Dest   string // "pipe:1" for OutputPipe, else an HLS playlist path

	// Sink receives the encoder's stdout bytes for OutputPipe runs.
	Sink io.Writer
}

// Pipeline is a running capture+encode chain and the lease it holds.
type Pipeline struct {
	ID      string
	lease   *tunerpool.Lease
	capture *procsup.Process
	encode  *procsup.Process

	relayDone chan error
}

// Run spawns capture and encode, wires capture's stdout to encode's stdin,
// and returns as soon as both children have started. For OutputPipe with a
// non-nil spec.Sink, a background goroutine relays encode's stdout into the
// sink until the stream ends or ctx is canceled (cancellation calls Stop);
// Wait blocks until that relay finishes. If either spawn fails, the lease
// is released before Run returns the error; otherwise the lease stays held
// until the caller calls Stop.
func Run(ctx context.Context, spec Spec, lease *tunerpool.Lease) (*Pipeline, error) {
	id := uuid.NewString()

	capture, err := procsup.Spawn(procsup.Spec{
		Name: "capture-" + id,
		Path: spec.CaptureBin,
		Args: []string{"-c", spec.ChannelsConf, "-P", "-a", strconv.Itoa(spec.TunerID), "-o", "-", spec.ChannelNum},
		Stdout: procsup.Stdio{Mode: procsup.StdioPipe},
		Stderr: procsup.Stdio{Mode: procsup.StdioDevNull},
	})
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("pipeline: spawn capture: %w", err)
	}

	args := transcode.BuildArgs(spec.Backend, spec.Codec, spec.Surround, spec.BitrateKbps, spec.Output, spec.Dest)
	encodeStdout := procsup.Stdio{Mode: procsup.StdioDevNull}
	if spec.Output == transcode.OutputPipe {
		encodeStdout = procsup.Stdio{Mode: procsup.StdioPipe}
	}
	encode, err := procsup.Spawn(procsup.Spec{
		Name:   "encode-" + id,
		Path:   spec.FFmpegBin,
		Args:   args,
		Stdin:  procsup.Stdio{Mode: procsup.StdioFD, FD: capture.Stdout},
		Stdout: encodeStdout,
		Stderr: procsup.Stdio{Mode: procsup.StdioDevNull},
	})
	if err != nil {
		capture.Stdout.Close()
		capture.Terminate(500 * time.Millisecond)
		lease.Release()
		return nil, fmt.Errorf("pipeline: spawn encode: %w", err)
	}
	// encode now owns its copy of capture's stdout read end.
	capture.Stdout.Close()

	p := &Pipeline{ID: id, lease: lease, capture: capture, encode: encode}

	if spec.Output == transcode.OutputPipe && spec.Sink != nil {
		p.relayDone = make(chan error, 1)
		go p.relay(ctx, spec.Sink)
	}

	return p, nil
}

// RunCaptureOnly spawns just the capture child and relays its stdout
// straight to sink, for plain (untranscoded) streaming where the client
// wants the raw MPEG-TS the tuner produces. As with Run, a spawn failure
// releases the lease; on success the lease stays held until Stop.
func RunCaptureOnly(ctx context.Context, spec Spec, lease *tunerpool.Lease) (*Pipeline, error) {
	id := uuid.NewString()

	capture, err := procsup.Spawn(procsup.Spec{
		Name: "capture-" + id,
		Path: spec.CaptureBin,
		Args: []string{"-c", spec.ChannelsConf, "-P", "-a", strconv.Itoa(spec.TunerID), "-o", "-", spec.ChannelNum},
		Stdout: procsup.Stdio{Mode: procsup.StdioPipe},
		Stderr: procsup.Stdio{Mode: procsup.StdioDevNull},
	})
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("pipeline: spawn capture: %w", err)
	}

	p := &Pipeline{ID: id, lease: lease, capture: capture}
	if spec.Sink != nil {
		p.relayDone = make(chan error, 1)
		go p.relay(ctx, spec.Sink)
	}
	return p, nil
}

func (p *Pipeline) relaySource() *procsup.Process {
	if p.encode != nil {
		return p.encode
	}
	return p.capture
}

func (p *Pipeline) relay(ctx context.Context, sink io.Writer) {
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(sink, p.relaySource().Stdout)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil && !isClientDisconnectWriteError(err) {
			log.Printf("pipeline[%s]: relay error: %v", p.ID, err)
		}
		p.relayDone <- err
	case <-ctx.Done():
		p.Stop()
		<-copyDone
		p.relayDone <- ctx.Err()
	}
}

// Wait blocks until a PIPE-mode relay finishes (client disconnect, encoder
// exit, or context cancellation) and returns its terminal error, if any.
// For HLS-mode pipelines (no Sink), Wait returns immediately with nil;
// callers should instead watch the playlist file and call Stop themselves.
func (p *Pipeline) Wait() error {
	if p.relayDone == nil {
		return nil
	}
	return <-p.relayDone
}

// Done reports a channel closed once the relay source (the encode child, or
// the capture child of a capture-only pipeline) has exited, so
// callers managing a longer-lived pipeline (HLS mode) can detect a dead
// encoder without polling.
func (p *Pipeline) Done() <-chan struct{} {
	return p.relaySource().Done()
}

// Poll reports the relay source's current status without blocking, for
// callers that check liveness on a ticker rather than selecting on Done.
func (p *Pipeline) Poll() procsup.Status {
	return p.relaySource().Poll()
}

// Stop terminates both children and releases the tuner lease. Safe to call
// more than once.
func (p *Pipeline) Stop() {
	if p.encode != nil {
		p.encode.Terminate(500 * time.Millisecond)
	}
	if p.capture != nil {
		p.capture.Terminate(500 * time.Millisecond)
	}
	if p.lease != nil {
		p.lease.Release()
		p.lease = nil
	}
}

// isClientDisconnectWriteError reports whether err is one of the ways a
// downstream client going away surfaces as a write error, so callers can
// log it quietly instead of as a pipeline failure.
func isClientDisconnectWriteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}
