// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package record implements C5 (the external ffmpeg-driven recorder)
// and C6 (the segment pipeline pairing a recording with its chat
// collection and atomically finalizing both outputs). Grounded on
// original_source/recording/{ffmpeg_recorder,segment_pipeline}.go and
// the teacher's internal/pipeline/exec/ffmpeg/runner.go process
// supervision idiom.
package record

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/procgroup"
)

// TimedOutExitCode mirrors the Python recorder's sentinel return value
// for a watchdog-triggered kill (124, matching the common shell/timeout
// convention the original also uses).
const TimedOutExitCode = 124

// Recorder drives ffmpeg as an external subprocess to capture a single
// segment of a live stream to a local file.
type Recorder struct {
	FFmpegPath string
}

// NewRecorder constructs a Recorder. An empty path resolves to "ffmpeg"
// on $PATH.
func NewRecorder(ffmpegPath string) *Recorder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Recorder{FFmpegPath: ffmpegPath}
}

func buildHeaderArg(headers map[string]string) string {
	var b strings.Builder
	for k, v := range headers {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	return b.String()
}

// Record runs ffmpeg for duration wall time, stream-copying into
// outputPath. It enforces a watchdog timeout of max(10, duration+30)s:
// on expiry it sends SIGTERM, waits 5s, then SIGKILL, and returns
// TimedOutExitCode. Grounded on
// original_source/recording/ffmpeg_recorder.go's record().
func (r *Recorder) Record(ctx context.Context, url, outputPath string, duration time.Duration, headers map[string]string) (int, error) {
	logger := log.WithContext(ctx, log.WithComponent("record"))

	args := []string{"-hide_banner", "-y", "-loglevel", "error"}
	if len(headers) > 0 {
		args = append(args, "-headers", buildHeaderArg(headers))
	}
	args = append(args, "-i", url, "-c", "copy", "-t", fmt.Sprintf("%d", int(duration.Seconds())), "-f", "flv", outputPath)

	cmd := exec.CommandContext(ctx, r.FFmpegPath, args...)
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("record: start ffmpeg: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	watchdog := duration + 30*time.Second
	if watchdog < 10*time.Second {
		watchdog = 10 * time.Second
	}

	select {
	case err := <-waitCh:
		return exitCode(cmd, err), nil
	case <-time.After(watchdog):
		logger.Warn().Str("filename", outputPath).Dur("watchdog", watchdog).Msg("ffmpeg watchdog expired, terminating")
		if err := procgroup.Terminate(cmd, waitCh, 5*time.Second); err != nil {
			logger.Warn().Err(err).Msg("terminate escalated to kill")
		}
		return TimedOutExitCode, nil
	case <-ctx.Done():
		_ = procgroup.Kill(cmd, syscall.SIGTERM)
		<-waitCh
		return 0, ctx.Err()
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return 1
	}
	return 0
}
