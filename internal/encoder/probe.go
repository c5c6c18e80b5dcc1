package encoder

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Hardware encoders tried in preference order. NVENC first: it is the
// most common on streaming hosts and has the best zerolatency behavior.
var hwCandidates = []string{
	"h264_nvenc",
	"h264_qsv",
	"h264_vaapi",
	"h264_videotoolbox",
}

// runProbe executes one throwaway encode and returns combined output.
// Swapped out in tests.
var runProbe = func(ctx context.Context, bin string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// SelectCodec picks the H.264 encoder to use. With hardware disabled it
// returns libx264 immediately. Otherwise each candidate encodes a tiny
// synthetic clip; the first one that exits zero without printing an
// error wins. Probe stderr is the only ffmpeg output we ever inspect.
func SelectCodec(ctx context.Context, bin string, hardware bool, timeout time.Duration, log *slog.Logger) string {
	if log == nil {
		log = slog.Default()
	}
	if !hardware {
		return "libx264"
	}

	for _, cand := range hwCandidates {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		out, err := runProbe(pctx, bin, []string{
			"-hide_banner",
			"-f", "lavfi",
			"-i", "color=black:s=64x64:d=0.1",
			"-frames:v", "2",
			"-c:v", cand,
			"-f", "null", "-",
		})
		cancel()

		if err == nil && !strings.Contains(strings.ToLower(string(out)), "error") {
			log.Info("hardware encoder selected", "codec", cand)
			return cand
		}
		log.Debug("hardware encoder unavailable", "codec", cand, "error", err)
	}

	log.Info("no hardware encoder usable, falling back to software")
	return "libx264"
}
