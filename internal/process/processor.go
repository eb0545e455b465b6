// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package process implements C9: the synchronous cleanup -> danmaku
// convert -> encode pipeline that turns raw .flv/.xml segment pairs
// sitting in the processing folder into uploadable files in the upload
// folder. Grounded on original_source/video_processor.py.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dy2bili/relaycast/internal/log"
)

// Config holds the processing-stage settings from spec.md §6.
type Config struct {
	ProcessingFolder string
	UploadFolder     string

	MinFileSizeMB int
	FontSize      int
	SCFontSize    int

	SkipVideoEncoding bool

	// DeleteUploadedFiles gates removal of the .xml/.flv/.ass source
	// files after a successful convert/encode step. Default false:
	// sources are preserved unless explicitly configured otherwise
	// (spec.md §4.9).
	DeleteUploadedFiles bool

	FFmpegPath   string
	FFprobePath  string
	DMConvertBin string // external XML->ASS converter binary; out of scope per spec.md §1
}

// Processor runs the three C9 steps in order, matching
// scheduled_video_pipeline's exact ordering (SPEC_FULL.md §5.1):
// cleanup, then subtitle convert (unless skipped), then encode.
type Processor struct {
	cfg Config
}

// New constructs a Processor.
func New(cfg Config) *Processor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.DMConvertBin == "" {
		cfg.DMConvertBin = "dmconvert"
	}
	return &Processor{cfg: cfg}
}

// RunSync runs cleanup, danmaku conversion, and encode/passthrough in
// that order, satisfying the scheduler.Processor interface. Each step's
// own internal errors are logged per-file; only a step-wide setup
// failure (e.g. can't read the processing folder) is returned.
func (p *Processor) RunSync(ctx context.Context) error {
	logger := log.WithComponent("process")

	if err := p.CleanupSmallFiles(); err != nil {
		logger.Error().Err(err).Msg("cleanup step failed")
		return fmt.Errorf("process: cleanup: %w", err)
	}
	if !p.cfg.SkipVideoEncoding {
		if err := p.ConvertDanmaku(ctx); err != nil {
			logger.Error().Err(err).Msg("danmaku convert step failed")
			return fmt.Errorf("process: convert danmaku: %w", err)
		}
	}
	if err := p.Encode(ctx); err != nil {
		logger.Error().Err(err).Msg("encode step failed")
		return fmt.Errorf("process: encode: %w", err)
	}
	return nil
}

// CleanupSmallFiles deletes .flv files (and their sibling .xml) in the
// processing folder under MinFileSizeMB, matching cleanup_small_files.
func (p *Processor) CleanupSmallFiles() error {
	logger := log.WithComponent("process")
	minBytes := int64(p.cfg.MinFileSizeMB) * 1024 * 1024

	flvFiles, err := filepath.Glob(filepath.Join(p.cfg.ProcessingFolder, "*.flv"))
	if err != nil {
		return fmt.Errorf("glob flv files: %w", err)
	}

	deleted := 0
	for _, flv := range flvFiles {
		info, err := os.Stat(flv)
		if err != nil {
			logger.Warn().Str("file", flv).Err(err).Msg("stat failed during cleanup scan, skipping")
			continue
		}
		if info.Size() >= minBytes {
			continue
		}

		if _, err := os.Stat(flv + ".part"); err == nil {
			logger.Info().Str("file", flv).Msg("skipping cleanup, recording still in progress")
			continue
		}

		base := strings.TrimSuffix(flv, filepath.Ext(flv))
		xml := base + ".xml"

		if err := os.Remove(flv); err != nil {
			logger.Error().Str("file", flv).Err(err).Msg("failed to delete undersized flv")
			continue
		}
		deleted++
		logger.Info().Str("file", flv).Int64("size_bytes", info.Size()).Msg("deleted undersized flv")

		if _, err := os.Stat(xml); err == nil {
			if err := os.Remove(xml); err != nil {
				logger.Error().Str("file", xml).Err(err).Msg("failed to delete sibling xml")
			}
		}
	}

	logger.Info().Int("deleted", deleted).Msg("cleanup complete")
	return nil
}

type ffprobeStream struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

// probeResolution shells out to ffprobe to read a video's dimensions,
// needed to size the ASS subtitle canvas. Matches get_video_resolution.
func (p *Processor) probeResolution(ctx context.Context, videoFile string) (int, int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		videoFile,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, 0, fmt.Errorf("ffprobe: parse output: %w", err)
	}
	if len(parsed.Streams) == 0 || parsed.Streams[0].Width == 0 || parsed.Streams[0].Height == 0 {
		return 0, 0, fmt.Errorf("ffprobe: no resolution in output for %s", videoFile)
	}
	return parsed.Streams[0].Width, parsed.Streams[0].Height, nil
}

// ConvertDanmaku converts every .xml in the processing folder to a
// matching .ass file via the external dmconvert binary, skipping files
// still being recorded (a sibling .flv.part exists) or already
// converted. Matches convert_danmaku.
func (p *Processor) ConvertDanmaku(ctx context.Context) error {
	logger := log.WithComponent("process")

	xmlFiles, err := filepath.Glob(filepath.Join(p.cfg.ProcessingFolder, "*.xml"))
	if err != nil {
		return fmt.Errorf("glob xml files: %w", err)
	}

	converted, skipped, failed := 0, 0, 0
	for _, xmlFile := range xmlFiles {
		base := strings.TrimSuffix(xmlFile, filepath.Ext(xmlFile))
		flv := base + ".flv"
		flvPart := flv + ".part"
		ass := base + ".ass"

		if _, err := os.Stat(flvPart); err == nil {
			logger.Info().Str("file", flvPart).Msg("skipping conversion, recording still in progress")
			skipped++
			continue
		}
		if _, err := os.Stat(flv); err != nil {
			logger.Warn().Str("file", flv).Msg("skipping conversion, no matching flv")
			skipped++
			continue
		}
		if _, err := os.Stat(ass); err == nil {
			skipped++
			continue
		}

		width, height, err := p.probeResolution(ctx, flv)
		if err != nil {
			logger.Error().Str("file", flv).Err(err).Msg("failed to determine resolution, skipping conversion")
			failed++
			continue
		}

		cmd := exec.CommandContext(ctx, p.cfg.DMConvertBin,
			"--font-size", fmt.Sprint(p.cfg.FontSize),
			"--sc-font-size", fmt.Sprint(p.cfg.SCFontSize),
			"--resolution-x", fmt.Sprint(width),
			"--resolution-y", fmt.Sprint(height),
			"--input", xmlFile,
			"--output", ass,
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			logger.Error().Str("file", xmlFile).Err(err).Str("output", string(out)).Msg("dmconvert failed")
			failed++
			continue
		}
		if _, err := os.Stat(ass); err != nil {
			logger.Error().Str("file", ass).Msg("dmconvert exited cleanly but produced no output")
			failed++
			continue
		}

		converted++
		if p.cfg.DeleteUploadedFiles {
			if err := os.Remove(xmlFile); err != nil {
				logger.Warn().Str("file", xmlFile).Err(err).Msg("converted but failed to remove source xml")
			}
		} else {
			logger.Info().Str("file", xmlFile).Msg("preserving source xml (delete_uploaded_files disabled)")
		}
	}

	logger.Info().Int("converted", converted).Int("skipped", skipped).Int("failed", failed).Msg("danmaku conversion complete")
	return nil
}

// Encode runs the QSV-accelerated ass-burn-in encode for every .ass in
// the processing folder, moving the result to the upload folder, or —
// when SkipVideoEncoding is set — moves raw .flv files straight to the
// upload folder with no burn-in (spec.md §6's no-danmaku passthrough
// mode). Matches encode_video.
func (p *Processor) Encode(ctx context.Context) error {
	if p.cfg.SkipVideoEncoding {
		return p.passthroughFLV()
	}
	return p.encodeWithSubtitles(ctx)
}

func (p *Processor) passthroughFLV() error {
	logger := log.WithComponent("process")
	if err := os.MkdirAll(p.cfg.UploadFolder, 0o755); err != nil {
		return fmt.Errorf("create upload folder: %w", err)
	}

	flvFiles, err := filepath.Glob(filepath.Join(p.cfg.ProcessingFolder, "*.flv"))
	if err != nil {
		return fmt.Errorf("glob flv files: %w", err)
	}

	moved, skipped, failed := 0, 0, 0
	for _, flv := range flvFiles {
		dst := filepath.Join(p.cfg.UploadFolder, filepath.Base(flv))

		if _, err := os.Stat(flv + ".part"); err == nil {
			skipped++
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			skipped++
			continue
		}
		if err := os.Rename(flv, dst); err != nil {
			logger.Error().Str("file", flv).Err(err).Msg("failed to move flv to upload folder")
			failed++
			continue
		}
		moved++
	}

	logger.Info().Int("moved", moved).Int("skipped", skipped).Int("failed", failed).Msg("passthrough complete")
	return nil
}

// isQSVInitError reports whether ffmpeg's stderr indicates the failure
// was QSV hardware init, as opposed to some other encode error that
// should propagate unmodified. Mirrors encoder.py's is_qsv_error check.
func isQSVInitError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "init_hw_device") ||
		strings.Contains(s, "device creation failed") ||
		strings.Contains(s, "qsv=hw")
}

// hardwareFallbackEncoders lists the hardware-only encoders available on
// this platform if QSV init fails. There is deliberately no CPU/libx264
// entry here — encoder.py explicitly disables that fallback ("已禁用
// CPU/libx264 兜底") so an unaccelerated box fails loudly instead of
// silently falling back to a slow software encode under load.
func (p *Processor) hardwareFallbackEncoders(flv, ass, tempMP4 string) []*exec.Cmd {
	var cmds []*exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmds = append(cmds, exec.Command(p.cfg.FFmpegPath,
			"-v", "verbose",
			"-i", flv,
			"-vf", fmt.Sprintf("subtitles=filename=%s", ass),
			"-c:v", "h264_videotoolbox",
			"-b:v", "6M",
			"-maxrate", "8M",
			"-bufsize", "12M",
			"-c:a", "copy",
			"-y", tempMP4,
		))
	}
	return cmds
}

// runQSVOrFallback attempts the QSV-accelerated encode first; on a QSV
// init failure specifically, it retries through hardwareFallbackEncoders
// in order, returning the first success. Any non-QSV-init failure, or
// exhausting the fallback list, returns an error.
func (p *Processor) runQSVOrFallback(ctx context.Context, flv, ass, tempMP4 string) error {
	logger := log.WithComponent("process")

	primary := exec.CommandContext(ctx, p.cfg.FFmpegPath,
		"-v", "verbose",
		"-init_hw_device", "qsv=hw",
		"-hwaccel", "qsv",
		"-hwaccel_output_format", "qsv",
		"-i", flv,
		"-vf", fmt.Sprintf("subtitles=filename=%s,hwupload=extra_hw_frames=64", ass),
		"-c:v", "h264_qsv",
		"-preset", "veryfast",
		"-global_quality", "28",
		"-c:a", "copy",
		"-y", tempMP4,
	)
	out, err := primary.CombinedOutput()
	if err == nil {
		return nil
	}
	if !isQSVInitError(string(out)) {
		return fmt.Errorf("ffmpeg qsv encode: %w: %s", err, out)
	}

	logger.Warn().Str("file", flv).Msg("qsv unavailable, trying hardware fallback encoders (no cpu fallback)")
	_ = os.Remove(tempMP4)

	fallbacks := p.hardwareFallbackEncoders(flv, ass, tempMP4)
	if len(fallbacks) == 0 {
		return fmt.Errorf("qsv init failed and no hardware fallback encoder for this platform: %w: %s", err, out)
	}

	var lastErr error
	for _, fb := range fallbacks {
		fb := exec.CommandContext(ctx, fb.Path, fb.Args[1:]...)
		if out, err := fb.CombinedOutput(); err != nil {
			lastErr = fmt.Errorf("fallback encoder %s: %w: %s", fb.Path, err, out)
			_ = os.Remove(tempMP4)
			continue
		}
		return nil
	}
	return lastErr
}

func (p *Processor) encodeWithSubtitles(ctx context.Context) error {
	logger := log.WithComponent("process")
	if err := os.MkdirAll(p.cfg.UploadFolder, 0o755); err != nil {
		return fmt.Errorf("create upload folder: %w", err)
	}

	assFiles, err := filepath.Glob(filepath.Join(p.cfg.ProcessingFolder, "*.ass"))
	if err != nil {
		return fmt.Errorf("glob ass files: %w", err)
	}

	encoded, skipped, failed := 0, 0, 0
	for _, ass := range assFiles {
		base := strings.TrimSuffix(ass, filepath.Ext(ass))
		flv := base + ".flv"
		tempMP4 := base + ".mp4"
		uploadMP4 := filepath.Join(p.cfg.UploadFolder, filepath.Base(tempMP4))

		if _, err := os.Stat(flv); err != nil {
			logger.Warn().Str("file", flv).Msg("no matching flv, skipping encode")
			skipped++
			continue
		}
		if _, err := os.Stat(uploadMP4); err == nil {
			logger.Info().Str("file", uploadMP4).Msg("already encoded and uploaded, cleaning up processing copies")
			_ = os.Remove(ass)
			_ = os.Remove(flv)
			skipped++
			continue
		}
		_ = os.Remove(tempMP4) // remove any leftover from an interrupted prior attempt

		if err := p.runQSVOrFallback(ctx, flv, ass, tempMP4); err != nil {
			logger.Error().Str("file", flv).Err(err).Msg("encode failed on qsv and every hardware fallback")
			_ = os.Remove(tempMP4)
			failed++
			continue
		}

		if err := os.Rename(tempMP4, uploadMP4); err != nil {
			logger.Error().Str("file", tempMP4).Err(err).Msg("failed to move encoded mp4 to upload folder")
			_ = os.Remove(tempMP4)
			failed++
			continue
		}

		encoded++
		if p.cfg.DeleteUploadedFiles {
			if err := os.Remove(flv); err != nil {
				logger.Warn().Str("file", flv).Err(err).Msg("encoded but failed to remove source flv")
			}
			if err := os.Remove(ass); err != nil {
				logger.Warn().Str("file", ass).Err(err).Msg("encoded but failed to remove source ass")
			}
		} else {
			logger.Info().Str("flv", flv).Str("ass", ass).Msg("preserving source flv/ass (delete_uploaded_files disabled)")
		}
	}

	logger.Info().Int("encoded", encoded).Int("skipped", skipped).Int("failed", failed).Msg("encode complete")
	return nil
}
