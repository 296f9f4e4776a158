package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tanq16/fragdl/internal/utils"
)

// muxer names for extensions ffmpeg cannot infer on its own
var extToFormat = map[string]string{
	"aac":  "adts",
	"flac": "flac",
	"m4a":  "ipod",
	"mka":  "matroska",
	"mkv":  "matroska",
	"mpg":  "mpeg",
	"ogv":  "ogg",
	"ts":   "mpegts",
	"wma":  "asf",
	"wmv":  "asf",
	"vtt":  "webvtt",
}

func OutputFormat(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if f, ok := extToFormat[ext]; ok {
		return f
	}
	return ext
}

func base() []string {
	return []string{"-y", "-hide_banner", "-loglevel", "warning"}
}

func output(ext, filename string) []string {
	var args []string
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4", "m4a", "mov":
		args = append(args, "-movflags", "+faststart")
	}
	if f := OutputFormat(ext); f != "" {
		args = append(args, "-f", f)
	}
	return append(args, filename)
}

// URLArgs has ffmpeg fetch url itself and remux it into filename.
func URLArgs(url string, headers utils.Headers, ext, filename string, extra []string) []string {
	args := base()
	if h := headers.FFmpeg(); h != "" {
		args = append(args, "-headers", h)
	}
	args = append(args, "-i", url, "-c", "copy")
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4", "m4a", "mov":
		args = append(args, "-bsf:a", "aac_adtstoasc")
	}
	args = append(args, extra...)
	return append(args, output(ext, filename)...)
}

// PipeArgs remuxes whatever arrives on standard input.
func PipeArgs(ext, filename string) []string {
	args := append(base(), "-i", "pipe:0", "-c", "copy")
	return append(args, output(ext, filename)...)
}

func ConcatArgs(listFile, ext, filename string) []string {
	args := append(base(), "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy")
	return append(args, output(ext, filename)...)
}

// ImageSeriesArgs encodes a file of concatenated images into a video.
func ImageSeriesArgs(images, framerate, ext, filename string, extra []string) []string {
	args := append(base(), extra...)
	args = append(args, "-f", "image2pipe", "-r", framerate, "-i", images, "-c:v", "libx265", "-pix_fmt", "yuv420p")
	return append(args, output(ext, filename)...)
}

// Framerate prefers the exact frame_count/duration ratio over a rounded fps.
func Framerate(frameCount int, duration, fps float64) (string, error) {
	if frameCount > 0 && duration > 0 {
		return fmt.Sprintf("%d/%s", frameCount, strconv.FormatFloat(duration, 'f', -1, 64)), nil
	}
	if fps > 0 {
		return strconv.FormatFloat(fps, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("image series needs fps or frame_count and duration")
}

// WriteConcatList writes a concat demuxer list. Paths are made absolute since
// ffmpeg resolves them against the list's directory.
func WriteConcatList(path string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(f, "'", `'\''`))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error creating segment list file: %w", err)
	}
	return nil
}
