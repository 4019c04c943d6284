package psi

import (
	"strconv"
	"strings"
)

// compressionNone is the only ATSC A/65 compression_type value this decoder
// renders as text; any other value is treated as Huffman-compressed and
// left undecoded.
const (
	compressionNone = 0x00
)

// decodeMultipleStringStructure decodes an ATSC A/65 Multiple String
// Structure and returns the text of the first string that yields any, with
// all of that string's segments concatenated in order; later strings (other
// languages) are ignored. The full grammar is:
//
//	number_strings (1 byte)
//	  for each string:
//	    ISO_639_language_code (3 bytes)
//	    number_segments (1 byte)
//	    for each segment:
//	      compression_type (1 byte)
//	      mode (1 byte)
//	      number_bytes (1 byte)
//	      compressed_string_text (number_bytes bytes)
//
// Huffman-compressed segments (compression_type != 0) are not decoded —
// ATSC's program-guide Huffman tables are optional per the source
// specification this was distilled from — and are reported as a
// placeholder string rather than silently dropped or mis-rendered as raw
// bytes.
func decodeMultipleStringStructure(b []byte) string {
	if len(b) < 1 {
		return ""
	}
	numStrings := int(b[0])
	if numStrings == 0 {
		return ""
	}
	offset := 1

	for s := 0; s < numStrings; s++ {
		if offset+4 > len(b) {
			return ""
		}
		// language code occupies offset..offset+3, unused for title text
		numSegments := int(b[offset+3])
		offset += 4

		var sb strings.Builder
		for seg := 0; seg < numSegments; seg++ {
			if offset+3 > len(b) {
				return sb.String()
			}
			compressionType := b[offset]
			_ = b[offset+1] // mode: byte-vs-Unicode selector, unused for ASCII text
			numBytes := int(b[offset+2])
			offset += 3
			if offset+numBytes > len(b) {
				return sb.String()
			}
			text := b[offset : offset+numBytes]
			offset += numBytes

			if compressionType == compressionNone {
				sb.Write(text)
			} else {
				sb.WriteString(huffmanPlaceholder(numBytes))
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

func huffmanPlaceholder(numBytes int) string {
	return "[huffman-compressed, " + strconv.Itoa(numBytes) + " bytes]"
}
