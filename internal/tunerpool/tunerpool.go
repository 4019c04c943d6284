// Package tunerpool arbitrates a fixed set of physical DVB tuner adapters
// among concurrent callers. Acquisition is round-robin first-fit; a STREAM
// request may preempt a tuner currently running an EPG scan, but an EPG
// request never preempts anything.
package tunerpool

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/zaplink/zaplink-server/internal/metrics"
)

// Purpose records why a tuner was acquired, so a later STREAM request knows
// which held tuners are preemptible.
type Purpose int

const (
	// PurposeNone marks an idle tuner.
	PurposeNone Purpose = iota
	// PurposeEPG is a background guide-scan hold: preemptible by PurposeStream.
	PurposeEPG
	// PurposeStream is a live-viewing hold: never preempted.
	PurposeStream
)

func (p Purpose) String() string {
	switch p {
	case PurposeEPG:
		return "epg"
	case PurposeStream:
		return "stream"
	default:
		return "none"
	}
}

// Tuner is one physical adapter slot.
type Tuner struct {
	ID   int
	Path string // e.g. /dev/dvb/adapter0

	inUse   bool
	purpose Purpose

	// gen increments every time the tuner changes hands (fresh acquire or
	// preemption). A Lease stamped with a stale gen can no longer affect
	// the tuner's state: this is what stops a preempted EPG holder's
	// deferred Release from tearing down the STREAM session that preempted
	// it.
	gen int
}

// Snapshot is a read-only copy of a Tuner's state, safe to hold after the
// pool's lock is released.
type Snapshot struct {
	ID      int
	Path    string
	InUse   bool
	Purpose Purpose
}

// Lease represents a held tuner. Callers must call Release when done. The
// pool does not track or stop any process the holder started on the tuner;
// a preemption is only reported through Pool.PreemptFunc.
type Lease struct {
	pool  *Pool
	tuner *Tuner
	gen   int // tuner.gen at acquisition time; release is a no-op once stale
}

// Tuner returns the leased adapter's id and device path.
func (l *Lease) Tuner() (id int, path string) {
	return l.tuner.ID, l.tuner.Path
}

// Purpose reports the purpose the leased tuner is currently held under. For
// a lease that has since been preempted this is the preempting holder's
// purpose (PurposeStream), not the purpose this lease was acquired with.
func (l *Lease) Purpose() Purpose {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.tuner.purpose
}

// Release marks the tuner idle again. Safe to call once per Lease. A no-op
// if the tuner has since been handed to a new holder (e.g. this lease was
// preempted and its owner is only now running its deferred cleanup).
func (l *Lease) Release() {
	l.pool.release(l.tuner, l.gen)
}

var adapterNameRE = regexp.MustCompile(`^adapter(\d+)$`)

// Pool is a mutex-guarded set of tuners with round-robin first-fit
// acquisition and STREAM-over-EPG preemption. The zero value is not usable;
// construct with Discover or New.
type Pool struct {
	mu      sync.Mutex
	tuners  []*Tuner
	lastIdx int

	// PreemptFunc is invoked with the id of a tuner being preempted from an
	// EPG hold, while the pool lock is held by the preempting Acquire call.
	// It must not call back into the pool. cmd/zaplink-server wires
	// internal/guidescan's Driver.Preempt here, which cancels the mux scan
	// running on that tuner so its capture child is terminated.
	PreemptFunc func(tunerID int)
}

// New builds a pool from an explicit tuner list, for tests or for a count
// configured directly rather than discovered from a device directory.
func New(tuners []Tuner) *Pool {
	p := &Pool{lastIdx: -1}
	for i := range tuners {
		t := tuners[i]
		p.tuners = append(p.tuners, &t)
	}
	return p
}

// Discover scans dir for adapterN entries (as /dev/dvb does on Linux DVB
// hosts) and builds a pool from whatever it finds, sorted by adapter id.
// A missing directory is not an error: it yields an empty pool so the server
// can still start (e.g. in a dev environment with no tuner hardware).
func Discover(dir string) (*Pool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("tunerpool: %s not found, starting with zero tuners", dir)
			return &Pool{lastIdx: -1}, nil
		}
		return nil, fmt.Errorf("tunerpool: discover %s: %w", dir, err)
	}

	var found []Tuner
	for _, e := range entries {
		m := adapterNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 0 {
			continue
		}
		found = append(found, Tuner{ID: id, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })

	log.Printf("tunerpool: discovered %d tuner(s) under %s", len(found), dir)
	return New(found), nil
}

// Count reports the number of tuners in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tuners)
}

// Snapshot returns the current state of every tuner, for status/metrics.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, len(p.tuners))
	for i, t := range p.tuners {
		out[i] = Snapshot{ID: t.ID, Path: t.Path, InUse: t.inUse, Purpose: t.purpose}
	}
	return out
}

// ErrNoTuner is returned by Acquire when no tuner is available: every tuner
// is held, and either purpose is EPG (EPG never preempts) or purpose is
// STREAM but nothing held under PurposeEPG exists to preempt.
var ErrNoTuner = fmt.Errorf("tunerpool: no tuner available")

// Acquire finds an idle tuner round-robin starting just after the last
// tuner handed out. If none is idle and purpose is PurposeStream, it falls
// back to preempting the first EPG-held tuner found in the same scan order.
// EPG requests never preempt anything.
func (p *Pool) Acquire(purpose Purpose) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.tuners)
	if n == 0 {
		return nil, ErrNoTuner
	}

	for i := 0; i < n; i++ {
		idx := (p.lastIdx + 1 + i) % n
		t := p.tuners[idx]
		if !t.inUse {
			t.inUse = true
			t.purpose = purpose
			t.gen++
			p.lastIdx = idx
			metrics.TunerAcquiresTotal.WithLabelValues(purpose.String(), "ok").Inc()
			p.reportGauges()
			return &Lease{pool: p, tuner: t, gen: t.gen}, nil
		}
	}

	if purpose == PurposeStream {
		for i := 0; i < n; i++ {
			idx := (p.lastIdx + 1 + i) % n
			t := p.tuners[idx]
			if t.purpose == PurposeEPG {
				log.Printf("tunerpool: preempting EPG scan on tuner %d for stream", t.ID)
				if p.PreemptFunc != nil {
					p.PreemptFunc(t.ID)
				}
				t.purpose = PurposeStream
				t.gen++
				p.lastIdx = idx
				metrics.TunerPreemptionsTotal.Inc()
				metrics.TunerAcquiresTotal.WithLabelValues(purpose.String(), "preempt").Inc()
				p.reportGauges()
				return &Lease{pool: p, tuner: t, gen: t.gen}, nil
			}
		}
	}

	metrics.TunerAcquiresTotal.WithLabelValues(purpose.String(), "no_tuner").Inc()
	return nil, ErrNoTuner
}

func (p *Pool) release(t *Tuner, gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.gen != gen {
		// Stale: this lease was preempted and the tuner already belongs to
		// a later holder. Releasing it here would free a tuner that is
		// still in active use.
		return
	}
	t.inUse = false
	t.purpose = PurposeNone
	p.reportGauges()
}

// reportGauges refreshes the held/idle tuner gauges. Callers must hold p.mu.
func (p *Pool) reportGauges() {
	held := 0
	for _, t := range p.tuners {
		if t.inUse {
			held++
		}
	}
	metrics.TunersHeld.Set(float64(held))
	metrics.TunersIdle.Set(float64(len(p.tuners) - held))
}
