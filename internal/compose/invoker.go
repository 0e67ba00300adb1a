package compose

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"reel-pipeline/internal/config"
)

// Reel geometry (9:16 vertical).
const (
	reelWidth  = 1080
	reelHeight = 1920
	// Published reels are capped at 60 seconds regardless of input length.
	maxReelSeconds = 60
)

// Error is the typed failure for anything the composition stage does.
// It is the only stage error fatal to a job.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compose: %s: %v", e.Reason, e.Err)
	}
	return "compose: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// ProgressFunc receives normalized progress updates. Implementations must
// not block: they are called from the goroutine draining encoder output.
type ProgressFunc func(pct int, msg string)

// Invoker drives ffmpeg/ffprobe subprocesses to stack two clips vertically.
type Invoker struct {
	ffmpeg     string
	ffprobe    string
	maxSeconds float64
	minSeconds float64
	maxBytes   int64
	timeout    time.Duration
}

func NewInvoker(cfg config.Config) *Invoker {
	return &Invoker{
		ffmpeg:     cfg.FFmpegPath,
		ffprobe:    cfg.FFprobePath,
		maxSeconds: cfg.MaxClipSeconds,
		minSeconds: cfg.MinClipSeconds,
		maxBytes:   cfg.MaxUploadBytes,
		timeout:    cfg.ComposeTimeout,
	}
}

// Available reports whether the ffmpeg binary can be invoked at all.
func (v *Invoker) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, v.ffmpeg, "-version").Run() == nil
}

// Stack validates both inputs, then composes them into a single vertical
// reel: input A scaled on top, input B below, fitted and padded to
// 1080x1920, trimmed to the shorter clip. Audio comes from input B when
// present. Progress is reported through onProgress.
func (v *Invoker) Stack(ctx context.Context, inputA, inputB, outPath string, onProgress ProgressFunc) error {
	report := func(pct int, msg string) {
		if onProgress != nil {
			onProgress(pct, msg)
		}
	}

	report(2, "validating clips")
	infoA, err := v.Validate(ctx, inputA)
	if err != nil {
		return err
	}
	infoB, err := v.Validate(ctx, inputB)
	if err != nil {
		return err
	}

	target := infoA.Duration
	if infoB.Duration < target {
		target = infoB.Duration
	}
	if target > maxReelSeconds {
		target = maxReelSeconds
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &Error{Reason: "create output dir", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	report(5, "encoding")
	args := stackArgs(inputA, inputB, outPath, target)
	cmd := exec.CommandContext(ctx, v.ffmpeg, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Reason: "pipe encoder output", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &Error{Reason: "start encoder", Err: err}
	}

	// Drain -progress key=value lines; out_time_ms is microseconds of
	// encoded output despite the name.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if us, ok := parseOutTime(scanner.Text()); ok {
			report(encodePercent(us, target), "encoding")
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &Error{Reason: "encoding timed out"}
		}
		return &Error{Reason: "encoder failed: " + tail(stderr.String(), 200), Err: err}
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return &Error{Reason: "output file was not created", Err: err}
	}
	if st.Size() < 1000 {
		return &Error{Reason: "output file is too small (likely corrupted)"}
	}

	report(95, "finalizing")
	return nil
}

// stackArgs builds the ffmpeg invocation: both clips scaled to reel width,
// stacked vertically, then fitted and padded into the 9:16 frame.
func stackArgs(inputA, inputB, outPath string, duration float64) []string {
	filter := fmt.Sprintf(
		"[0:v]scale=%d:-2,setsar=1[top];"+
			"[1:v]scale=%d:-2,setsar=1[bottom];"+
			"[top][bottom]vstack=inputs=2[stacked];"+
			"[stacked]scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black[final]",
		reelWidth, reelWidth, reelWidth, reelHeight, reelWidth, reelHeight,
	)
	return []string{
		"-i", inputA,
		"-i", inputB,
		"-filter_complex", filter,
		"-map", "[final]",
		"-map", "1:a?",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-profile:v", "high",
		"-level", "4.2",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		outPath,
	}
}

func parseOutTime(line string) (int64, bool) {
	val, found := strings.CutPrefix(strings.TrimSpace(line), "out_time_ms=")
	if !found {
		return 0, false
	}
	us, err := strconv.ParseInt(val, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return us, true
}

// encodePercent maps encoded microseconds against the target duration into
// the 5-95 band; the edges are reserved for setup and finalization.
func encodePercent(us int64, targetSeconds float64) int {
	if targetSeconds <= 0 {
		return 5
	}
	pct := 5 + int(float64(us)/(targetSeconds*1e6)*90)
	if pct < 5 {
		pct = 5
	}
	if pct > 95 {
		pct = 95
	}
	return pct
}

// Poster extracts the first frame of the composed video and writes a
// reel-width JPEG next to it, for the backup's thumbnail artifact.
func (v *Invoker) Poster(ctx context.Context, videoPath, posterPath string) error {
	tmp := posterPath + ".frame.png"
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, v.ffmpeg,
		"-i", videoPath,
		"-frames:v", "1",
		"-y",
		tmp,
	)
	if err := cmd.Run(); err != nil {
		return &Error{Reason: "extract poster frame", Err: err}
	}

	frame, err := imaging.Open(tmp)
	if err != nil {
		return &Error{Reason: "decode poster frame", Err: err}
	}
	poster := imaging.Resize(frame, reelWidth, 0, imaging.Lanczos)
	if err := imaging.Save(poster, posterPath, imaging.JPEGQuality(85)); err != nil {
		return &Error{Reason: "write poster", Err: err}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
