package encoder

import (
	"fmt"
	"strings"
	"time"
)

// Options configures one encoder process. Width/Height/FPS describe the
// raw RGBA frames fed on stdin; URLs are the RTMP publish targets.
type Options struct {
	Binary   string
	Width    int
	Height   int
	FPS      int
	BitrateK int
	Preset   string
	Codec    string // e.g. libx264, h264_nvenc; empty means libx264
	URLs     []string

	DropThreshold time.Duration
	RestartDelay  time.Duration
	MaxRestarts   int
}

func (o Options) frameSize() int { return o.Width * o.Height * 4 }

// buildArgs assembles the ffmpeg command line: rawvideo RGBA on stdin,
// H.264 in FLV out. Multiple targets use the tee muxer so a single
// encode fans out to every URL.
func buildArgs(o Options) []string {
	codec := o.Codec
	if codec == "" {
		codec = "libx264"
	}
	gop := o.FPS * 2 // keyframe every 2s

	args := []string{
		"-hide_banner",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", o.Width, o.Height),
		"-r", fmt.Sprintf("%d", o.FPS),
		"-i", "pipe:0",
		"-c:v", codec,
		"-preset", o.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", fmt.Sprintf("%dk", o.BitrateK),
		"-maxrate", fmt.Sprintf("%dk", o.BitrateK),
		"-bufsize", fmt.Sprintf("%dk", o.BitrateK*2),
		"-g", fmt.Sprintf("%d", gop),
		"-keyint_min", fmt.Sprintf("%d", gop),
		"-sc_threshold", "0",
		"-an",
	}

	if len(o.URLs) == 1 {
		return append(args, "-f", "flv", o.URLs[0])
	}

	outputs := make([]string, len(o.URLs))
	for i, u := range o.URLs {
		outputs[i] = "[f=flv]" + u
	}
	return append(args, "-f", "tee", "-map", "0:v", strings.Join(outputs, "|"))
}
