package psi

import "testing"

func TestGpsToUnixMillis(t *testing.T) {
	// GPS second 0 is 1980-01-06T00:00:00Z; unix_s = gps_s + 315964800 - 18.
	got := gpsToUnixMillis(0)
	want := int64(315964800-18) * 1000
	if got != want {
		t.Errorf("gpsToUnixMillis(0) = %d, want %d", got, want)
	}
}

type fakeSink struct {
	programs []Program
}

func (s *fakeSink) AddProgram(p Program) { s.programs = append(s.programs, p) }

func buildVCTSection(major, minor, sourceID int) []byte {
	section := make([]byte, 42)
	section[0] = 0xC8 // table_id: terrestrial VCT
	section[9] = 1    // num_channels_in_section

	offset := 10
	section[offset+4] = byte((major >> 6) & 0x0F)
	section[offset+5] = byte(((major & 0x3F) << 2) | ((minor >> 8) & 0x03))
	section[offset+6] = byte(minor & 0xFF)
	section[offset+22] = byte(sourceID >> 8)
	section[offset+23] = byte(sourceID & 0xFF)
	// descriptors_length = 0
	section[offset+30] = 0
	section[offset+31] = 0

	sectionLen := len(section) - 3
	section[1] = byte((sectionLen >> 8) & 0x0F)
	section[2] = byte(sectionLen & 0xFF)
	return section
}

func buildEITSection(sourceID, eventID int, startTime uint32, duration int, title string) []byte {
	titleField := encodeSingleUnencodedMSS(title)
	// header(10) + event(10) + title + descriptors_length(2)
	total := 10 + 10 + len(titleField) + 2
	section := make([]byte, total)
	section[0] = 0xCB // table_id in EIT range
	section[3] = byte(sourceID >> 8)
	section[4] = byte(sourceID & 0xFF)
	section[9] = 1 // num_events_in_section

	off := 10
	section[off] = byte((eventID >> 8) & 0x3F)
	section[off+1] = byte(eventID & 0xFF)
	section[off+2] = byte(startTime >> 24)
	section[off+3] = byte(startTime >> 16)
	section[off+4] = byte(startTime >> 8)
	section[off+5] = byte(startTime)
	section[off+6] = byte((duration >> 16) & 0x0F)
	section[off+7] = byte((duration >> 8) & 0xFF)
	section[off+8] = byte(duration & 0xFF)
	section[off+9] = byte(len(titleField))
	copy(section[off+10:], titleField)
	// descriptors_length = 0 at the end
	afterTitle := off + 10 + len(titleField)
	section[afterTitle] = 0
	section[afterTitle+1] = 0

	sectionLen := len(section) - 3
	section[1] = byte((sectionLen >> 8) & 0x0F)
	section[2] = byte(sectionLen & 0xFF)
	return section
}

// encodeSingleUnencodedMSS builds a minimal 1-string/1-segment MSS with an
// uncompressed (compression_type 0) ASCII segment carrying title.
func encodeSingleUnencodedMSS(title string) []byte {
	out := []byte{1}               // number_strings
	out = append(out, 0, 0, 0, 1)  // lang(3) + number_segments(1)
	out = append(out, 0, 0, byte(len(title)))
	out = append(out, []byte(title)...)
	return out
}

func TestParseVCTThenEIT_resolvesChannelNumber(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemuxer("177028615", sink)

	d.parseVCT(buildVCTSection(7, 1, 1001))
	d.parseEIT(buildEITSection(1001, 42, 0, 1800, "Evening News"))

	if len(sink.programs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(sink.programs))
	}
	p := sink.programs[0]
	if p.ChannelNumber != "7.1" {
		t.Errorf("ChannelNumber = %q, want 7.1", p.ChannelNumber)
	}
	if p.Title != "Evening News" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.EventID != 42 {
		t.Errorf("EventID = %d", p.EventID)
	}
	if p.EndUnixMillis-p.StartUnixMillis != 1800*1000 {
		t.Errorf("duration mismatch: start=%d end=%d", p.StartUnixMillis, p.EndUnixMillis)
	}
}

func TestParseEIT_withoutVCTFallsBackToSourceID(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemuxer("177028615", sink)
	d.parseEIT(buildEITSection(55, 1, 100, 60, "Unlabeled Show"))
	if len(sink.programs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(sink.programs))
	}
	if sink.programs[0].ChannelNumber != "55" {
		t.Errorf("ChannelNumber fallback = %q, want source id 55", sink.programs[0].ChannelNumber)
	}
}

func TestParseEIT_emptyTitleIsSkipped(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemuxer("177028615", sink)
	d.parseEIT(buildEITSection(1, 1, 0, 60, ""))
	if len(sink.programs) != 0 {
		t.Errorf("expected no programs for empty title, got %d", len(sink.programs))
	}
}

func TestDecodeMultipleStringStructure_uncompressed(t *testing.T) {
	field := encodeSingleUnencodedMSS("Hello World")
	got := decodeMultipleStringStructure(field)
	if got != "Hello World" {
		t.Errorf("decodeMultipleStringStructure = %q", got)
	}
}

func TestDecodeMultipleStringStructure_huffmanPlaceholder(t *testing.T) {
	// compression_type = 1 (Huffman, C4/C5 tables) must not be decoded as text.
	field := []byte{1, 'e', 'n', 'g', 1, 0x01, 0x00, 3, 0xAA, 0xBB, 0xCC}
	got := decodeMultipleStringStructure(field)
	if got != "[huffman-compressed, 3 bytes]" {
		t.Errorf("decodeMultipleStringStructure = %q", got)
	}
}

func TestDemuxer_Feed_singlePacketSection(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemuxer("177028615", sink)

	section := buildVCTSection(9, 2, 2002)
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = 0x40 | byte((ATSCBasePID>>8)&0x1F) // PUSI set
	pkt[2] = byte(ATSCBasePID & 0xFF)
	pkt[3] = 0x10 // no adaptation field, payload only
	pkt[4] = 0x00 // pointer_field = 0 (section starts immediately)
	copy(pkt[5:], section)

	n := d.Feed(pkt)
	if n != 1 {
		t.Fatalf("Feed should observe 1 packet, got %d", n)
	}
	ch, ok := d.sources.lookup(2002)
	if !ok || ch != "9.2" {
		t.Errorf("VCT should be parsed from a single in-packet section: ch=%q ok=%v", ch, ok)
	}
}

func TestDemuxer_Feed_dropsWrongPID(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemuxer("177028615", sink)
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = 0x40 // PID hi bits = 0, PUSI set -> pid 0x0000, not ATSCBasePID
	pkt[2] = 0x00
	n := d.Feed(pkt)
	if n != 0 {
		t.Errorf("packets on a non-ATSC PID should be dropped, got n=%d", n)
	}
}

func TestDemuxer_Feed_transportErrorIndicatorDropped(t *testing.T) {
	d := NewDemuxer("177028615", &fakeSink{})
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = 0x80 | byte((ATSCBasePID>>8)&0x1F) // TEI set
	pkt[2] = byte(ATSCBasePID & 0xFF)
	if n := d.Feed(pkt); n != 0 {
		t.Errorf("TEI-set packets must be dropped, got n=%d", n)
	}
}
