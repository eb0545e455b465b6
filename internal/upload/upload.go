// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upload implements C11: the per-bucket create/append protocol
// against the biliup CLI, the BVID backfill pass, and the deletion
// policy for successfully uploaded local artifacts. Grounded on
// original_source/tests/unit/test_uploader_biliup_cli.py (the
// authoritative biliup_cli command shapes and success/rate-limit
// detection, since it's the only source corroborated by passing unit
// tests) and original_source/uploader.py for the surrounding bucket
// protocol and deletion policy.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/config"
	"github.com/dy2bili/relaycast/internal/grouping"
	"github.com/dy2bili/relaycast/internal/httpx"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/metrics"
	"github.com/dy2bili/relaycast/internal/store"
)

// submitPacing caps biliup CLI invocations to one every few seconds,
// a pre-emptive throttle sitting in front of appendWithRateLimitRetry's
// reactive 21540 backoff so this process itself never becomes the
// source of the rate limit.
const submitPacing = 3 * time.Second

// sessionLookback is the fixed "last 3 days" window spec.md §4.10 step 1
// names for candidate sessions; unlike the per-interval buffer, this is
// not configurable.
const sessionLookback = 72 * time.Hour

// Config holds the C11 settings from spec.md §6's Upload/Deletion
// surface plus the processing-stage fields C11 needs to locate and title
// candidate files.
type Config struct {
	UploadFolder      string
	DestinationYAML   string // re-read at each Upload call, per spec.md §9
	SkipVideoEncoding bool

	DanmakuTitleSuffix   string
	NoDanmakuTitleSuffix string

	BinaryPath  string
	CookiesPath string
	Submit      string
	Line        string

	StreamStartTimeAdjustment time.Duration

	RateLimitCooldownSeconds  int
	RateLimitAppendMaxRetries int

	DeleteUploadedFiles           bool
	DeleteUploadedFilesDelayHours int
}

// Uploader runs the upload bucket protocol for one streamer, satisfying
// scheduler.Uploader.
type Uploader struct {
	cfg          Config
	store        *store.Store
	streamerName string
	limiter      *rate.Limiter
}

// New constructs an Uploader.
func New(cfg Config, st *store.Store, streamerName string) *Uploader {
	return &Uploader{
		cfg:          cfg,
		store:        st,
		streamerName: streamerName,
		limiter:      httpx.NewLimiter(1.0/submitPacing.Seconds(), 1),
	}
}

// UpdateBVIDs runs the independent BVID backfill pass (spec.md §4.11).
// The biliup CLI backend returns the bvid synchronously from the create
// call (see uploadVideoEntry), so there is never a pending row left for
// this pass to resolve against a destination submissions listing — this
// mirrors test_update_video_bvids_skips_when_biliup_cli_backend's
// no-op-for-this-backend expectation exactly, rather than fabricating a
// submissions-listing API this codebase has no other use for.
func (u *Uploader) UpdateBVIDs(ctx context.Context) error {
	log.WithComponent("upload").Debug().Msg("biliup_cli backend returns bvid synchronously from create, backfill pass is a no-op")
	return nil
}

// Upload runs one full pass: authenticate once, bucket candidate files
// by session, process buckets sequentially (spec.md §5's "Upload buckets
// are processed sequentially to avoid triggering destination rate
// limits"), then run the deferred-delete sweep piggy-backed on this tick
// per spec.md §4.8.
func (u *Uploader) Upload(ctx context.Context) error {
	logger := log.WithComponent("upload")

	dest, err := config.LoadDestinationTemplate(u.cfg.DestinationYAML)
	if err != nil {
		logger.Error().Err(err).Msg("destination template invalid, skipping upload phase this tick")
		return fmt.Errorf("upload: load destination template: %w", err)
	}

	files, err := u.candidateFiles(ctx)
	if err != nil {
		return fmt.Errorf("upload: list candidates: %w", err)
	}
	if len(files) == 0 {
		logger.Info().Msg("no unuploaded candidate files found")
		return u.deferredDeleteSweep(ctx)
	}

	sessions, err := u.store.SessionsForGrouping(ctx, u.streamerName, sessionLookback)
	if err != nil {
		return fmt.Errorf("upload: load sessions for grouping: %w", err)
	}

	buckets, err := grouping.BuildBuckets(ctx, u.store, sessions, files, u.cfg.StreamStartTimeAdjustment)
	if err != nil {
		return fmt.Errorf("upload: build buckets: %w", err)
	}

	hasWork := false
	for _, b := range buckets {
		if b.Action != grouping.ActionSkip {
			hasWork = true
			break
		}
	}
	if !hasWork {
		logger.Info().Msg("no buckets ready to create or append this tick")
		return u.deferredDeleteSweep(ctx)
	}

	if err := u.checkLogin(ctx); err != nil {
		logger.Error().Err(err).Msg("login check failed, aborting upload run")
		return err
	}

	for _, b := range buckets {
		switch b.Action {
		case grouping.ActionSkip:
			continue
		case grouping.ActionCreate:
			u.runCreate(ctx, dest, b)
		case grouping.ActionAppend:
			u.runAppend(ctx, dest, b)
		}
	}

	return u.deferredDeleteSweep(ctx)
}

// candidateFiles lists unuploaded files in the upload folder matching
// the current encoding mode's extension, with their filename timestamp
// already extracted.
func (u *Uploader) candidateFiles(ctx context.Context) ([]grouping.File, error) {
	ext := "mp4"
	if u.cfg.SkipVideoEncoding {
		ext = "flv"
	}

	paths, err := filepath.Glob(filepath.Join(u.cfg.UploadFolder, "*."+ext))
	if err != nil {
		return nil, err
	}

	var out []grouping.File
	for _, p := range paths {
		if _, err := u.store.FindByFilename(ctx, filepath.Base(p)); err == nil {
			continue // already has an upload record
		} else if err != store.ErrNotFound {
			return nil, err
		}
		out = append(out, grouping.File{Path: p, Timestamp: grouping.TimestampFromFilename(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (u *Uploader) titleSuffix() string {
	if u.cfg.SkipVideoEncoding {
		return u.cfg.NoDanmakuTitleSuffix
	}
	return u.cfg.DanmakuTitleSuffix
}

// buildTitle substitutes {time} in the template, or appends a collection
// marker when the bucket has more than one file and the template carries
// no {time} placeholder (spec.md §4.11 step 2).
func buildTitle(template string, firstFileTime time.Time, multiPart bool) string {
	if strings.Contains(template, "{time}") {
		return strings.ReplaceAll(template, "{time}", firstFileTime.Format("2006年01月02日"))
	}
	if multiPart {
		return fmt.Sprintf("%s (合集 %s)", template, firstFileTime.Format("2006-01-02"))
	}
	return template
}

func (u *Uploader) runCreate(ctx context.Context, dest *config.DestinationTemplate, b grouping.Bucket) {
	logger := log.WithComponent("upload")
	first := b.Files[0]

	title := buildTitle(dest.Title, first.Timestamp, len(b.Files) > 1) + u.titleSuffix()

	if err := u.limiter.Wait(ctx); err != nil {
		logger.Error().Str("file", first.Path).Err(err).Msg("create submission pacing wait aborted")
		return
	}
	bvid, rateLimited, err := u.uploadVideoEntry(ctx, first.Path, dest.TID, title, dest.Desc, dest.Tag, dest.Source, dest.Cover, dest.Dynamic)
	if rateLimited {
		logger.Warn().Str("file", first.Path).Msg("create hit rate limit, deferring to next tick")
		metrics.UploadsIssued.WithLabelValues("create", "rate_limited").Inc()
		return
	}
	if err != nil {
		logger.Error().Str("file", first.Path).Err(err).Msg("create submission failed")
		metrics.UploadsIssued.WithLabelValues("create", "error").Inc()
		return
	}

	var bvidPtr *string
	if bvid != "" {
		bvidPtr = &bvid
	}
	if _, err := u.store.InsertVideo(ctx, store.UploadedVideo{
		BVID:              bvidPtr,
		Title:             title,
		FirstPartFilename: filepath.Base(first.Path),
		UploadTime:        first.Timestamp,
	}); err != nil {
		logger.Error().Str("file", first.Path).Err(err).Msg("failed to persist created video row")
		return
	}

	metrics.UploadsIssued.WithLabelValues("create", "ok").Inc()
	u.applyDeletionPolicy(first.Path)
	// Regardless of bvid discovery, the remaining files in this bucket
	// are left for the next run (spec.md §4.11 step 6).
}

func (u *Uploader) runAppend(ctx context.Context, dest *config.DestinationTemplate, b grouping.Bucket) {
	logger := log.WithComponent("upload")
	partNum := b.StartPartNum

	for _, f := range b.Files {
		if _, err := u.store.FindByFilename(ctx, filepath.Base(f.Path)); err == nil {
			partNum++
			continue
		}

		partTitle := fmt.Sprintf("P%d %s", partNum, f.Timestamp.Format("15:04:05"))
		if suffix := u.titleSuffix(); suffix != "" {
			partTitle += " " + suffix
		}

		ok, err := u.appendWithRateLimitRetry(ctx, f.Path, b.ExistingBVID)
		if err != nil {
			logger.Error().Str("file", f.Path).Err(err).Msg("append failed")
			metrics.UploadsIssued.WithLabelValues("append", "error").Inc()
			partNum++
			continue
		}
		if !ok {
			logger.Warn().Str("file", f.Path).Msg("append exhausted rate-limit retries, deferring to next tick")
			metrics.UploadsIssued.WithLabelValues("append", "rate_limited").Inc()
			continue
		}

		if _, err := u.store.InsertVideo(ctx, store.UploadedVideo{
			Title:             partTitle + " (分P)",
			FirstPartFilename: filepath.Base(f.Path),
			UploadTime:        f.Timestamp,
		}); err != nil {
			logger.Error().Str("file", f.Path).Err(err).Msg("failed to persist appended video row")
			partNum++
			continue
		}

		metrics.UploadsIssued.WithLabelValues("append", "ok").Inc()
		u.applyDeletionPolicy(f.Path)
		partNum++
	}
}

// errRateLimited marks a 21540 response so appendWithRateLimitRetry can
// tell "exhausted retries on rate limiting" apart from any other failure
// after retry.Do returns its accumulated error.
var errRateLimited = errors.New("upload: rate limited (21540)")

// appendWithRateLimitRetry retries a single file's append call through a
// cooldown-then-retry cycle on a 21540 rate limit, matching spec.md
// §4.11 step 5's per-file retry budget. Uses avast/retry-go/v4 rather
// than a hand-rolled sleep loop, per the pack's established retry idiom.
func (u *Uploader) appendWithRateLimitRetry(ctx context.Context, videoPath, bvid string) (bool, error) {
	logger := log.WithComponent("upload")
	cooldown := time.Duration(u.cfg.RateLimitCooldownSeconds) * time.Second

	var succeeded bool
	err := retry.Do(
		func() error {
			if err := u.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			ok, rateLimited, err := u.appendVideoEntry(ctx, videoPath, bvid)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if rateLimited {
				metrics.RateLimitBackoffs.Inc()
				return errRateLimited
			}
			succeeded = ok
			return nil
		},
		retry.Attempts(uint(u.cfg.RateLimitAppendMaxRetries)+1),
		retry.Delay(cooldown),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Str("file", videoPath).Uint("attempt", n).Dur("cooldown", cooldown).Msg("rate limited, cooling down before retry")
		}),
	)
	if err != nil {
		if errors.Is(err, errRateLimited) {
			return false, nil // exhausted retries on a pure rate-limit condition
		}
		return false, err
	}
	return succeeded, nil
}

// applyDeletionPolicy implements spec.md §4.11's local-file deletion
// policy: retain unless deletion is enabled with zero delay, in which
// case delete immediately. Non-zero delay defers to deferredDeleteSweep.
func (u *Uploader) applyDeletionPolicy(path string) {
	if !u.cfg.DeleteUploadedFiles || u.cfg.DeleteUploadedFilesDelayHours > 0 {
		return
	}
	if err := os.Remove(path); err != nil {
		log.WithComponent("upload").Warn().Str("file", path).Err(err).Msg("failed to delete uploaded file")
	}
}

// deferredDeleteSweep removes local artifacts whose persisted row is
// older than DELETE_UPLOADED_FILES_DELAY_HOURS, piggy-backed on this
// tick per spec.md §4.8's delayed_delete job. Readers must tolerate
// files disappearing mid-scan (spec.md §5's shared-resource note), so a
// missing file here is treated as already handled, not an error.
func (u *Uploader) deferredDeleteSweep(ctx context.Context) error {
	if !u.cfg.DeleteUploadedFiles || u.cfg.DeleteUploadedFilesDelayHours <= 0 {
		return nil
	}
	logger := log.WithComponent("upload")

	cutoff := clock.Now().Add(-time.Duration(u.cfg.DeleteUploadedFilesDelayHours) * time.Hour)
	rows, err := u.store.OlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("upload: deferred delete sweep: %w", err)
	}

	for _, v := range rows {
		path := filepath.Join(u.cfg.UploadFolder, v.FirstPartFilename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Str("file", path).Err(err).Msg("deferred delete failed")
			continue
		}
		logger.Info().Str("file", path).Msg("deleted uploaded file past retention delay")
	}
	return nil
}
