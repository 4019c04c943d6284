// Package psi demultiplexes an MPEG-TS packet stream, reassembles PSI/PSIP
// sections carried on a given PID, and dispatches complete ATSC PSIP
// sections (VCT/EIT/ETT) to a Sink for guide-data extraction.
package psi

import "github.com/zaplink/zaplink-server/internal/metrics"

const (
	// PacketSize is the fixed MPEG-TS packet length.
	PacketSize = 188
	// SyncByte starts every well-formed TS packet.
	SyncByte = 0x47
	// ATSCBasePID carries the PSIP Master Guide Table tree ATSC uses for
	// VCT/EIT/ETT (and others we don't parse).
	ATSCBasePID = 0x1FFB

	maxSectionBuffer = 4096
)

// Program is one parsed EPG entry, ready for internal/epgstore.
type Program struct {
	Frequency        string
	ChannelNumber    string // e.g. "7.1", resolved via the VCT source-id map
	StartUnixMillis  int64
	EndUnixMillis    int64
	Title            string
	EventID          int
	SourceID         int
}

// Sink receives parsed programs as the demuxer reassembles EIT sections. A
// Sink implementation typically upserts into internal/epgstore.
type Sink interface {
	AddProgram(Program)
}

type sectionBuffer struct {
	buf         []byte
	expectedLen int
	active      bool
}

// Demuxer reassembles PSIP sections carried on ATSCBasePID within one
// capture's TS stream and dispatches them by table_id. State (the
// source-id -> channel-number map and any in-progress section) is scoped to
// one Demuxer instance per mux scan; callers should not share a Demuxer
// across different frequencies.
type Demuxer struct {
	Frequency string
	Sink      Sink

	section sectionBuffer
	sources sourceMap
}

// NewDemuxer returns a Demuxer that reassembles sections for one frequency
// and reports parsed programs to sink.
func NewDemuxer(frequency string, sink Sink) *Demuxer {
	return &Demuxer{Frequency: frequency, Sink: sink}
}

// Feed processes a chunk of raw TS packets, returning how many were
// accepted. Packets are taken at fixed 188-byte strides from the start of
// the chunk; a stride that does not begin with the sync byte is skipped,
// and a trailing partial packet is discarded rather than carried over to
// the next call. Feed does not resynchronise on 0x47.
func (d *Demuxer) Feed(chunk []byte) (packets int) {
	for i := 0; i+PacketSize <= len(chunk); i += PacketSize {
		pkt := chunk[i : i+PacketSize]
		if pkt[0] != SyncByte {
			continue
		}
		if d.observePacket(pkt) {
			packets++
		}
	}
	return packets
}

// observePacket extracts one packet's PID/PUSI/adaptation-field framing and
// feeds its payload into section reassembly. Returns false for packets that
// are dropped (transport error, wrong PID, adaptation field consumes the
// whole packet).
func (d *Demuxer) observePacket(pkt []byte) bool {
	tei := pkt[1]&0x80 != 0
	if tei {
		return false
	}
	pusi := pkt[1]&0x40 != 0
	pid := (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
	if pid != ATSCBasePID {
		return false
	}
	adap := (pkt[3] >> 4) & 0x03

	payloadOffset := 4
	if adap == 0x2 || adap == 0x3 {
		adapLen := int(pkt[4])
		payloadOffset += adapLen + 1
	}
	if payloadOffset >= PacketSize {
		return false
	}
	payload := pkt[payloadOffset:]

	if pusi {
		d.feedWithPointer(payload)
	} else {
		d.feedContinuation(payload)
	}
	return true
}

func (d *Demuxer) feedWithPointer(payload []byte) {
	if len(payload) < 1 {
		return
	}
	pointer := int(payload[0])
	payload = payload[1:]
	if pointer >= len(payload) {
		return
	}

	if d.section.active {
		if d.section.len()+pointer < maxSectionBuffer {
			d.section.buf = append(d.section.buf, payload[:pointer]...)
			d.dispatch(d.section.buf)
		}
		d.section.active = false
		d.section.buf = nil
	}

	secStart := payload[pointer:]
	secRem := len(secStart)
	if secRem < 3 {
		return
	}
	sectionLen := (int(secStart[1]&0x0F) << 8) | int(secStart[2])
	totalLen := sectionLen + 3

	if secRem >= totalLen {
		d.dispatch(secStart[:totalLen])
		return
	}
	d.section.buf = append([]byte(nil), secStart...)
	d.section.expectedLen = totalLen
	d.section.active = true
}

func (d *Demuxer) feedContinuation(payload []byte) {
	if !d.section.active {
		return
	}
	needed := d.section.expectedLen - d.section.len()
	toCopy := len(payload)
	if toCopy > needed {
		toCopy = needed
	}
	d.section.buf = append(d.section.buf, payload[:toCopy]...)
	if d.section.len() >= d.section.expectedLen {
		d.dispatch(d.section.buf)
		d.section.active = false
		d.section.buf = nil
	}
}

func (s sectionBuffer) len() int { return len(s.buf) }

func (d *Demuxer) dispatch(section []byte) {
	if len(section) < 3 {
		return
	}
	tableID := section[0]
	switch {
	case tableID == 0xC8 || tableID == 0xC9:
		metrics.PSISectionsParsedTotal.WithLabelValues("vct").Inc()
		d.parseVCT(section)
	case tableID >= 0xCB && tableID <= 0xFB:
		metrics.PSISectionsParsedTotal.WithLabelValues("eit").Inc()
		d.parseEIT(section)
	default:
		// Everything else (ETT, RRT, STT, and any other table_id outside the
		// VCT/EIT ranges above) carries no data this demuxer's sinks consume.
		// ETT in particular holds long-form descriptions keyed by the same
		// event/source ids as EIT; titles come from EIT alone, so parsing
		// stops at table-id dispatch here.
		metrics.PSISectionsParsedTotal.WithLabelValues("ett").Inc()
	}
}
