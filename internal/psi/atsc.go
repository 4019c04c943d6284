package psi

import "strconv"

// gpsUnixOffsetSeconds is the offset between the GPS epoch (1980-01-06
// 00:00:00 UTC) and the Unix epoch, adjusted by the 18 leap seconds ATSC
// start-time fields are specified against.
const gpsUnixOffsetSeconds = 315964800 - 18

// gpsToUnixMillis converts an ATSC GPS-seconds timestamp to Unix
// milliseconds.
func gpsToUnixMillis(gpsSeconds uint32) int64 {
	return (int64(gpsSeconds) + gpsUnixOffsetSeconds) * 1000
}

// sourceMap records which channel number a (frequency, source_id) pair maps
// to, learned from that frequency's Virtual Channel Table. EIT sections
// reference programs by source_id only, so this map is consulted to label
// each parsed Program with a human channel number.
type sourceMap struct {
	entries []sourceMapEntry
}

type sourceMapEntry struct {
	sourceID int
	channel  string
}

func (m *sourceMap) add(sourceID int, channel string) {
	for _, e := range m.entries {
		if e.sourceID == sourceID {
			return
		}
	}
	m.entries = append(m.entries, sourceMapEntry{sourceID: sourceID, channel: channel})
}

func (m *sourceMap) lookup(sourceID int) (string, bool) {
	for _, e := range m.entries {
		if e.sourceID == sourceID {
			return e.channel, true
		}
	}
	return "", false
}

// parseVCT reads a Terrestrial/Cable Virtual Channel Table section and
// records each channel's (major.minor, source_id) pair so later EIT
// sections on this frequency can be labeled with a channel number.
//
// Layout (ATSC A/65): fixed 10-byte header, then num_channels_in_section at
// byte 9, then num_channels_in_section repeating 32-byte (+ descriptors)
// channel records starting at byte 10.
func (d *Demuxer) parseVCT(section []byte) {
	if len(section) < 10 {
		return
	}
	numChannels := int(section[9])
	offset := 10

	for i := 0; i < numChannels; i++ {
		if offset+32 > len(section) {
			break
		}
		major := (int(section[offset+4]&0x0F) << 6) | int(section[offset+5]>>2)
		minor := (int(section[offset+5]&0x03) << 8) | int(section[offset+6])
		sourceID := (int(section[offset+22]) << 8) | int(section[offset+23])

		d.sources.add(sourceID, channelNumberString(major, minor))

		descLen := (int(section[offset+30]&0x03) << 8) | int(section[offset+31])
		offset += 32 + descLen
	}
}

// parseEIT reads an Event Information Table section and, for every event
// carrying a non-empty title, reports a Program to the Demuxer's Sink.
//
// Layout (ATSC A/65): 10-byte header with source_id at bytes 3-4 and
// num_events_in_section at byte 9; each event record is a 10-byte fixed
// part (event_id, start_time, length_in_seconds, title_length) followed by
// title_length bytes of Multiple String Structure, then a 2-byte
// descriptors_length and that many descriptor bytes.
func (d *Demuxer) parseEIT(section []byte) {
	if len(section) < 10 {
		return
	}
	sourceID := (int(section[3]) << 8) | int(section[4])
	numEvents := int(section[9])
	offset := 10

	channel, ok := d.sources.lookup(sourceID)
	if !ok {
		channel = formatSourceIDFallback(sourceID)
	}

	for i := 0; i < numEvents; i++ {
		if offset+10 > len(section) {
			break
		}
		eventID := (int(section[offset]&0x3F) << 8) | int(section[offset+1])
		startTime := uint32(section[offset+2])<<24 | uint32(section[offset+3])<<16 | uint32(section[offset+4])<<8 | uint32(section[offset+5])
		duration := (int(section[offset+6]&0x0F) << 16) | int(section[offset+7])<<8 | int(section[offset+8])
		titleLen := int(section[offset+9])

		title := ""
		if titleLen > 0 {
			strOffset := offset + 10
			if strOffset+titleLen <= len(section) {
				title = decodeMultipleStringStructure(section[strOffset : strOffset+titleLen])
			}
		}

		if title != "" && d.Sink != nil {
			startMs := gpsToUnixMillis(startTime)
			d.Sink.AddProgram(Program{
				Frequency:       d.Frequency,
				ChannelNumber:   channel,
				StartUnixMillis: startMs,
				EndUnixMillis:   startMs + int64(duration)*1000,
				Title:           title,
				EventID:         eventID,
				SourceID:        sourceID,
			})
		}

		afterTitle := offset + 10 + titleLen
		if afterTitle+2 > len(section) {
			break
		}
		descLen := (int(section[afterTitle]&0x0F) << 8) | int(section[afterTitle+1])
		offset = afterTitle + 2 + descLen
	}
}

func channelNumberString(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor)
}

func formatSourceIDFallback(sourceID int) string {
	return strconv.Itoa(sourceID)
}
