package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// Info is the subset of ffprobe output the pipeline cares about.
type Info struct {
	Duration float64
	Width    int
	Height   int
	Codec    string
	Size     int64
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe and extracts duration, dimensions, codec and size.
func (v *Invoker) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, v.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, &Error{Reason: "probe failed", Err: err}
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Info{}, &Error{Reason: "probe output unreadable", Err: err}
	}

	info := Info{}
	info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	info.Size, _ = strconv.ParseInt(parsed.Format.Size, 10, 64)
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			info.Codec = s.CodecName
			break
		}
	}
	if info.Codec == "" {
		return Info{}, &Error{Reason: "no video stream found"}
	}
	return info, nil
}

// Validate checks an input clip against the configured duration and size
// bounds, failing fast before any encoding starts.
func (v *Invoker) Validate(ctx context.Context, path string) (Info, error) {
	info, err := v.Probe(ctx, path)
	if err != nil {
		return Info{}, err
	}
	if info.Duration > v.maxSeconds {
		return info, &Error{Reason: fmt.Sprintf("duration too long: %.1fs (max %.0fs)", info.Duration, v.maxSeconds)}
	}
	if info.Duration < v.minSeconds {
		return info, &Error{Reason: fmt.Sprintf("duration too short: %.1fs (min %.0fs)", info.Duration, v.minSeconds)}
	}
	if v.maxBytes > 0 && info.Size > v.maxBytes {
		return info, &Error{Reason: fmt.Sprintf("file too large: %dMB (max %dMB)", info.Size/1024/1024, v.maxBytes/1024/1024)}
	}
	return info, nil
}
