// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"
	"strconv"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/hls"
)

// EncoderArgs builds the rpicam-vid argument list. The encoder binds the
// local TCP sink and streams hardware-encoded H.264 to whoever connects.
func EncoderArgs(s config.CameraSettings, sinkAddr string) []string {
	args := []string{
		"--nopreview",
		"--codec", "h264",
		"--width", strconv.Itoa(s.Width),
		"--height", strconv.Itoa(s.Height),
		"--framerate", strconv.Itoa(s.Framerate),
		"--timeout", "0", // run indefinitely
		"--brightness", formatFloat(s.Brightness),
		"--contrast", formatFloat(s.Contrast),
		"--saturation", formatFloat(s.Saturation),
		"--sharpness", formatFloat(s.Sharpness),
		"--exposure", string(s.Exposure),
		"--awb", string(s.WhiteBalance),
		"--inline", // inline SPS/PPS headers for mid-stream joins
	}

	// The hardware encoder cannot rotate 90/270; those are offloaded to the
	// segmenter's transpose filter.
	if s.Rotation == 180 {
		args = append(args, "--rotation", "180")
	}
	if s.EV != 0 {
		args = append(args, "--ev", strconv.Itoa(s.EV))
	}
	if s.HFlip {
		args = append(args, "--hflip")
	}
	if s.VFlip {
		args = append(args, "--vflip")
	}

	args = append(args, "-o", "tcp://"+sinkAddr+"?listen=1")
	return args
}

// SegmenterArgs builds the ffmpeg argument list for the HLS segmenter: read
// H.264 from the sink, write a rolling segment window plus playlist.
func SegmenterArgs(s config.CameraSettings, sinkAddr, outputDir string, segmentSeconds, windowSize int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "h264",
		// Bounded connect wait: the encoder may still be binding the sink.
		"-timeout", "10000000",
		"-i", "tcp://" + sinkAddr,
	}

	switch s.Rotation {
	case 90, 270:
		filter := "transpose=1"
		if s.Rotation == 270 {
			filter = "transpose=2"
		}
		// Decode, rotate, re-encode. Software x264 stays lightweight at the
		// framerates this hardware sustains.
		args = append(args,
			"-vf", filter,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
		)
	default:
		// Zero-copy when no transpose is needed.
		args = append(args, "-c:v", "copy")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", strconv.Itoa(windowSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", hls.SegmentPattern(outputDir),
		hls.PlaylistPath(outputDir),
	)
	return args
}

// StillArgs builds the rpicam-still argument list for an exclusive still
// capture at the current resolution.
func StillArgs(s config.CameraSettings, outputPath string, timeoutMs int) []string {
	args := []string{
		"--nopreview",
		"--timeout", strconv.Itoa(timeoutMs),
		"--width", strconv.Itoa(s.Width),
		"--height", strconv.Itoa(s.Height),
		"--quality", strconv.Itoa(s.SnapshotQuality),
		// Normal exposure is more predictable for stills.
		"--exposure", string(config.ExposureNormal),
	}

	if s.Brightness != 0 {
		args = append(args, "--brightness", formatFloat(s.Brightness))
	}
	if s.Contrast != 1.0 {
		args = append(args, "--contrast", formatFloat(s.Contrast))
	}
	if s.Saturation != 1.0 {
		args = append(args, "--saturation", formatFloat(s.Saturation))
	}
	if s.Sharpness != 1.0 {
		args = append(args, "--sharpness", formatFloat(s.Sharpness))
	}
	if s.EV != 0 {
		args = append(args, "--ev", strconv.Itoa(s.EV))
	}
	if s.WhiteBalance != config.WBAuto {
		args = append(args, "--awb", string(s.WhiteBalance))
	}
	if s.HFlip {
		args = append(args, "--hflip")
	}
	if s.VFlip {
		args = append(args, "--vflip")
	}

	args = append(args, "-o", outputPath)
	return args
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
