package transcode

import (
	"strings"
	"testing"
)

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"qsv":  BackendQSV,
		"nvenc": BackendNVENC,
		"vaapi": BackendVAAPI,
		"":      BackendSoftware,
		"bogus": BackendSoftware,
	}
	for in, want := range cases {
		if got := ParseBackend(in); got != want {
			t.Errorf("ParseBackend(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseCodec(t *testing.T) {
	cases := map[string]Codec{
		"hevc":  CodecHEVC,
		"av1":   CodecAV1,
		"":      CodecH264,
		"bogus": CodecH264,
	}
	for in, want := range cases {
		if got := ParseCodec(in); got != want {
			t.Errorf("ParseCodec(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildArgs_softwareH264Pipe(t *testing.T) {
	args := BuildArgs(BackendSoftware, CodecH264, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "libx264") {
		t.Errorf("expected libx264 encoder in %v", args)
	}
	if !contains(args, "mpegts") {
		t.Errorf("expected mpegts container in %v", args)
	}
	if args[len(args)-1] != "pipe:1" {
		t.Errorf("expected pipe:1 as final arg; got %v", args)
	}
	if contains(args, "-hwaccel") {
		t.Errorf("software backend should not request hwaccel: %v", args)
	}
}

func TestBuildArgs_av1UsesWebM(t *testing.T) {
	args := BuildArgs(BackendSoftware, CodecAV1, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "libsvtav1") || !contains(args, "webm") || !contains(args, "libopus") {
		t.Errorf("expected AV1/WebM/Opus in %v", args)
	}
}

func TestBuildArgs_surroundUsesChannelMap(t *testing.T) {
	args := BuildArgs(BackendSoftware, CodecH264, true, 0, OutputPipe, "pipe:1")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "channelmap=channel_layout=5.1") {
		t.Errorf("expected 5.1 channel map in %q", joined)
	}
	if !contains(args, "384k") {
		t.Errorf("expected 384k surround AAC bitrate in %v", args)
	}
}

func TestBuildArgs_qsvHEVCHwaccel(t *testing.T) {
	args := BuildArgs(BackendQSV, CodecHEVC, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "hevc_qsv") {
		t.Errorf("expected hevc_qsv encoder in %v", args)
	}
	if !contains(args, "qsv") {
		t.Errorf("expected qsv hwaccel tokens in %v", args)
	}
}

func TestBuildArgs_qsvH264GetsDeinterlace(t *testing.T) {
	args := BuildArgs(BackendQSV, CodecH264, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "vpp_qsv=deinterlace=2") {
		t.Errorf("expected QSV H.264 deinterlace filter in %v", args)
	}
}

func TestBuildArgs_nvencUsesNVENCPreset(t *testing.T) {
	args := BuildArgs(BackendNVENC, CodecAV1, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "av1_nvenc") || !contains(args, "p4") {
		t.Errorf("expected av1_nvenc with p4 preset in %v", args)
	}
}

func TestBuildArgs_vaapiNoExtraPreset(t *testing.T) {
	args := BuildArgs(BackendVAAPI, CodecH264, false, 0, OutputPipe, "pipe:1")
	if !contains(args, "h264_vaapi") {
		t.Errorf("expected h264_vaapi encoder in %v", args)
	}
	if contains(args, "-preset") {
		t.Errorf("vaapi backend should not add a -preset: %v", args)
	}
}

func TestBuildArgs_hlsOutputWritesPlaylist(t *testing.T) {
	args := BuildArgs(BackendSoftware, CodecH264, false, 2500, OutputHLS, "/tmp/sess/playlist.m3u8")
	if !contains(args, "hls") {
		t.Errorf("expected hls muxer in %v", args)
	}
	if args[len(args)-1] != "/tmp/sess/playlist.m3u8" {
		t.Errorf("expected playlist path as final arg; got %v", args)
	}
	if contains(args, "pipe:1") {
		t.Errorf("HLS output should not write to pipe:1: %v", args)
	}
}

func TestBuildArgs_bitrateSetsMaxrateAndBufsize(t *testing.T) {
	args := BuildArgs(BackendSoftware, CodecH264, false, 2000, OutputPipe, "pipe:1")
	if !contains(args, "2000k") {
		t.Errorf("expected 2000k bitrate in %v", args)
	}
	if !contains(args, "2200k") {
		t.Errorf("expected 2200k maxrate (110%%) in %v", args)
	}
	if !contains(args, "4000k") {
		t.Errorf("expected 4000k bufsize (2x bitrate) in %v", args)
	}
	if contains(args, "-crf") {
		t.Errorf("bitrate mode should not also set -crf: %v", args)
	}
}

func TestContentType(t *testing.T) {
	if CodecAV1.ContentType() != "video/webm" {
		t.Errorf("AV1 content type: got %q", CodecAV1.ContentType())
	}
	if CodecH264.ContentType() != "video/mp2t" {
		t.Errorf("H264 content type: got %q", CodecH264.ContentType())
	}
	if CodecHEVC.ContentType() != "video/mp2t" {
		t.Errorf("HEVC content type: got %q", CodecHEVC.ContentType())
	}
}
