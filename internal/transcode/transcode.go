// Package transcode builds ffmpeg argv slices for the backend x codec x
// surround x bitrate x output-kind matrix used to re-encode a captured
// MPEG-TS stream. Building the argv is pure and side-effect free; running
// ffmpeg is internal/pipeline's job.
package transcode

import "fmt"

// Backend selects the hardware acceleration path, if any.
type Backend int

const (
	BackendSoftware Backend = iota
	BackendQSV
	BackendNVENC
	BackendVAAPI
)

// ParseBackend maps a URL/config token to a Backend. Unknown tokens fall
// back to BackendSoftware.
func ParseBackend(s string) Backend {
	switch s {
	case "qsv":
		return BackendQSV
	case "nvenc":
		return BackendNVENC
	case "vaapi":
		return BackendVAAPI
	default:
		return BackendSoftware
	}
}

func (b Backend) String() string {
	switch b {
	case BackendQSV:
		return "qsv"
	case BackendNVENC:
		return "nvenc"
	case BackendVAAPI:
		return "vaapi"
	default:
		return "software"
	}
}

// Codec selects the output video codec.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

// ParseCodec maps a URL/config token to a Codec. Unknown tokens fall back
// to CodecH264.
func ParseCodec(s string) Codec {
	switch s {
	case "hevc":
		return CodecHEVC
	case "av1":
		return CodecAV1
	default:
		return CodecH264
	}
}

func (c Codec) String() string {
	switch c {
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	default:
		return "h264"
	}
}

// OutputKind selects what ffmpeg writes its encoded output as.
type OutputKind int

const (
	// OutputPipe writes the container to stdout, for direct client relay.
	OutputPipe OutputKind = iota
	// OutputHLS writes an HLS playlist + segments under Dest.
	OutputHLS
)

// ContentType returns the MIME type of a pipe-mode encode's output, per
// the container chosen for the codec (AV1 uses WebM, everything else
// MPEG-TS).
func (c Codec) ContentType() string {
	if c == CodecAV1 {
		return "video/webm"
	}
	return "video/mp2t"
}

// BuildArgs constructs the full ffmpeg argv (excluding argv[0] "ffmpeg"
// itself) for the given backend/codec/surround/bitrate combination and
// output kind. dest is "pipe:1" for OutputPipe or the playlist path for
// OutputHLS.
func BuildArgs(backend Backend, codec Codec, surround51 bool, bitrateKbps int, kind OutputKind, dest string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, hwaccelArgs(backend)...)
	args = append(args,
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-err_detect", "ignore_err",
		"-probesize", "5M",
		"-analyzeduration", "5M",
		"-i", "pipe:0",
	)

	if backend == BackendQSV && codec == CodecH264 {
		args = append(args, "-vf", "vpp_qsv=deinterlace=2")
	}

	args = append(args, "-c:v")
	args = append(args, videoEncoderArgs(backend, codec, bitrateKbps)...)
	args = append(args, audioAndContainerArgs(codec, surround51, kind, dest)...)
	return args
}

func hwaccelArgs(backend Backend) []string {
	switch backend {
	case BackendQSV:
		return []string{"-hwaccel", "qsv", "-hwaccel_output_format", "qsv"}
	case BackendNVENC:
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	case BackendVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128", "-hwaccel_output_format", "vaapi"}
	default:
		return nil
	}
}

func videoEncoderArgs(backend Backend, codec Codec, bitrateKbps int) []string {
	var args []string
	switch backend {
	case BackendQSV:
		args = append([]string{encoderName(backend, codec)}, "-preset", "veryfast")
	case BackendNVENC:
		args = append([]string{encoderName(backend, codec)}, "-preset", "p4")
	case BackendVAAPI:
		args = []string{encoderName(backend, codec)}
	default:
		return softwareVideoArgs(codec, bitrateKbps)
	}
	if bitrateKbps > 0 {
		args = append(args,
			"-b:v", fmt.Sprintf("%dk", bitrateKbps),
			"-maxrate", fmt.Sprintf("%dk", bitrateKbps+bitrateKbps/10),
			"-bufsize", fmt.Sprintf("%dk", bitrateKbps*2))
	}
	return args
}

func encoderName(backend Backend, codec Codec) string {
	suffix := map[Backend]string{BackendQSV: "qsv", BackendNVENC: "nvenc", BackendVAAPI: "vaapi"}[backend]
	name := map[Codec]string{CodecH264: "h264", CodecHEVC: "hevc", CodecAV1: "av1"}[codec]
	return fmt.Sprintf("%s_%s", name, suffix)
}

func softwareVideoArgs(codec Codec, bitrateKbps int) []string {
	if bitrateKbps > 0 {
		br := fmt.Sprintf("%dk", bitrateKbps)
		maxrate := fmt.Sprintf("%dk", bitrateKbps+bitrateKbps/10)
		bufsize := fmt.Sprintf("%dk", bitrateKbps*2)
		switch codec {
		case CodecHEVC:
			return []string{"libx265", "-preset", "veryfast", "-b:v", br, "-maxrate", maxrate, "-bufsize", bufsize}
		case CodecAV1:
			return []string{"libsvtav1", "-preset", "8", "-b:v", br, "-maxrate", maxrate, "-bufsize", bufsize}
		default:
			return []string{"libx264", "-preset", "veryfast", "-b:v", br, "-maxrate", maxrate, "-bufsize", bufsize}
		}
	}
	switch codec {
	case CodecHEVC:
		return []string{"libx265", "-preset", "veryfast", "-crf", "28"}
	case CodecAV1:
		return []string{"libsvtav1", "-preset", "8", "-crf", "30"}
	default:
		return []string{"libx264", "-preset", "veryfast", "-crf", "23"}
	}
}

func audioAndContainerArgs(codec Codec, surround51 bool, kind OutputKind, dest string) []string {
	var args []string
	if codec == CodecAV1 {
		if surround51 {
			args = append(args, "-af", "channelmap=channel_layout=5.1", "-c:a", "libopus", "-mapping_family", "1", "-b:a", "256k")
		} else {
			args = append(args, "-ac", "2", "-c:a", "libopus", "-b:a", "128k")
		}
	} else {
		if surround51 {
			args = append(args, "-af", "channelmap=channel_layout=5.1", "-c:a", "aac", "-b:a", "384k")
		} else {
			args = append(args, "-ac", "2", "-c:a", "aac", "-b:a", "128k")
		}
	}

	switch kind {
	case OutputHLS:
		args = append(args,
			"-f", "hls",
			"-hls_time", "4",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments+append_list",
			dest,
		)
	default:
		if codec == CodecAV1 {
			args = append(args, "-f", "webm")
		} else {
			args = append(args, "-f", "mpegts")
		}
		args = append(args, "pipe:1")
	}
	return args
}
