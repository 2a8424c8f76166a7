package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"skywatch/internal/fsutil"
)

// TimelapseRequest describes a timelapse job over a directory of frames.
type TimelapseRequest struct {
	InputDir string
	Output   string
	FPS      int
	Formats  []string // "mp4", "gif"
}

// TimelapseResult captures output metadata.
type TimelapseResult struct {
	OutputFiles []OutputFile
	FrameCount  int
}

// OutputFile is one rendered artifact.
type OutputFile struct {
	Path   string
	Format string
	Size   int64
}

// BuildTimelapse runs ffmpeg over the frame directory for each requested
// format. Formats that fail are skipped; the call errors only when nothing
// could be produced.
func BuildTimelapse(ctx context.Context, log *slog.Logger, req TimelapseRequest) (TimelapseResult, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(req.Formats) == 0 {
		req.Formats = []string{"mp4"}
	}
	if req.FPS == 0 {
		req.FPS = 10
	}

	images, err := fsutil.ListImages(req.InputDir)
	if err != nil {
		return TimelapseResult{}, err
	}
	if len(images) == 0 {
		return TimelapseResult{}, fmt.Errorf("no frames found in %s", req.InputDir)
	}
	log.Info("assembling timelapse",
		"input_dir", req.InputDir, "frames", len(images),
		"fps", req.FPS, "formats", req.Formats)

	base := strings.TrimSuffix(req.Output, filepath.Ext(req.Output))
	if err := fsutil.EnsureDir(filepath.Dir(req.Output)); err != nil {
		return TimelapseResult{}, err
	}

	pattern := filepath.Join(req.InputDir, "*"+filepath.Ext(images[0]))

	var outputs []OutputFile
	for _, format := range req.Formats {
		out, err := renderFormat(ctx, pattern, base, format, req.FPS)
		if err != nil {
			log.Error("timelapse format failed", "format", format, "error", err)
			continue
		}
		outputs = append(outputs, out)
		log.Info("timelapse rendered", "format", format, "path", out.Path, "bytes", out.Size)
	}
	if len(outputs) == 0 {
		return TimelapseResult{}, fmt.Errorf("failed to render any output format")
	}
	return TimelapseResult{OutputFiles: outputs, FrameCount: len(images)}, nil
}

func renderFormat(ctx context.Context, pattern, base, format string, fps int) (OutputFile, error) {
	var outputPath string
	args := []string{"-y", "-pattern_type", "glob", "-i", pattern, "-r", fmt.Sprint(fps)}

	switch format {
	case "mp4":
		outputPath = base + ".mp4"
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "20",
			"-pix_fmt", "yuv420p",
			outputPath,
		)
	case "gif":
		outputPath = base + ".gif"
		args = append(args,
			"-vf", fmt.Sprintf("fps=%d,scale=480:480:force_original_aspect_ratio=decrease:flags=lanczos", fps),
			outputPath,
		)
	default:
		return OutputFile{}, fmt.Errorf("unsupported format: %s", format)
	}

	if err := backupExisting(outputPath); err != nil {
		return OutputFile{}, err
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return OutputFile{}, fmt.Errorf("ffmpeg %s: %v: %s", format, err, output)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return OutputFile{}, err
	}
	return OutputFile{Path: outputPath, Format: format, Size: stat.Size()}, nil
}

// backupExisting renames a previous artifact aside instead of overwriting.
func backupExisting(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	stamp := time.Now().Format("20060102-150405")
	return os.Rename(path, path+".backup."+stamp)
}
