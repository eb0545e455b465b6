// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon's configuration with ENV > YAML file >
// built-in default precedence, the same layering the teacher's
// internal/config package uses. Pointer fields distinguish "not set
// anywhere" from "explicitly false/zero" for the tri-state switches named
// in spec.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Streamer is one configured (name, room_id) pair (spec.md §6 "Streamers").
type Streamer struct {
	Name   string `yaml:"name"`
	RoomID string `yaml:"room_id"`
}

// FileConfig mirrors the on-disk YAML shape. All fields optional; env vars
// and defaults fill in anything left unset, in Load's precedence order.
type FileConfig struct {
	Paths struct {
		ProcessingFolder  string `yaml:"processing_folder"`
		UploadFolder      string `yaml:"upload_folder"`
		DestinationYAML   string `yaml:"destination_yaml"`
		CookiesPath       string `yaml:"cookies_path"`
		DatabasePath      string `yaml:"database_path"`
	} `yaml:"paths"`

	Processing struct {
		MinFileSizeMB         *int    `yaml:"min_file_size_mb"`
		FontSize              *int    `yaml:"font_size"`
		SCFontSize            *int    `yaml:"sc_font_size"`
		SkipVideoEncoding     *bool   `yaml:"skip_video_encoding"`
		DanmakuTitleSuffix    *string `yaml:"danmaku_title_suffix"`
		NoDanmakuTitleSuffix  *string `yaml:"no_danmaku_title_suffix"`
	} `yaml:"processing"`

	Scheduling struct {
		ScheduleIntervalMinutes   *int  `yaml:"schedule_interval_minutes"`
		StreamStatusCheckInterval *int  `yaml:"stream_status_check_interval"`
		StreamStartTimeAdjustment *int  `yaml:"stream_start_time_adjustment"`
		ProcessAfterStreamEnd     *bool `yaml:"process_after_stream_end"`
		ScheduledUploadEnabled    *bool `yaml:"scheduled_upload_enabled"`
		PostStreamDelayMinutes    *int  `yaml:"post_stream_delay_minutes"`
	} `yaml:"scheduling"`

	Recording struct {
		Enabled              *bool `yaml:"recording_enabled"`
		SegmentMinutes       *int  `yaml:"recording_segment_minutes"`
		RetryDelaySeconds    *int  `yaml:"recording_retry_delay_seconds"`
	} `yaml:"recording"`

	Stream struct {
		DouyuCDN  *string `yaml:"douyu_cdn"`
		DouyuRate *int    `yaml:"douyu_rate"`
		DouyuDID  *string `yaml:"douyu_did"`
	} `yaml:"stream"`

	Chat struct {
		WSURL             *string `yaml:"danmaku_ws_url"`
		HeartbeatSeconds  *int    `yaml:"danmaku_heartbeat_seconds"`
	} `yaml:"chat"`

	Upload struct {
		Backend                       *string `yaml:"backend"`
		BinaryPath                    *string `yaml:"binary_path"`
		Submit                        *string `yaml:"submit"`
		Line                          *string `yaml:"line"`
		RateLimitCooldownSeconds      *int    `yaml:"rate_limit_cooldown_seconds"`
		RateLimitAppendMaxRetries     *int    `yaml:"rate_limit_append_max_retries"`
	} `yaml:"upload"`

	Deletion struct {
		DeleteUploadedFiles           *bool `yaml:"delete_uploaded_files"`
		DeleteUploadedFilesDelayHours *int  `yaml:"delete_uploaded_files_delay_hours"`
	} `yaml:"deletion"`

	Streamers []Streamer `yaml:"streamers"`
}

// AppConfig is the fully resolved runtime configuration every component
// reads from. No pointer fields remain once Load has applied defaults.
type AppConfig struct {
	ProcessingFolder string
	UploadFolder     string
	DestinationYAML  string
	CookiesPath      string
	DatabasePath     string

	MinFileSizeMB        int
	FontSize             int
	SCFontSize           int
	SkipVideoEncoding    bool
	DanmakuTitleSuffix   string
	NoDanmakuTitleSuffix string

	ScheduleIntervalMinutes   int
	StreamStatusCheckInterval time.Duration
	StreamStartTimeAdjustment time.Duration
	ProcessAfterStreamEnd     bool
	ScheduledUploadEnabled    bool
	PostStreamDelay           time.Duration

	RecordingEnabled           bool
	RecordingSegmentMinutes    int
	RecordingRetryDelaySeconds int

	DouyuCDN  string
	DouyuRate int
	DouyuDID  string

	ChatWSURL            string
	ChatHeartbeatSeconds int

	UploadBackend                 string
	UploadBinaryPath              string
	UploadSubmit                  string
	UploadLine                    string
	RateLimitCooldownSeconds      int
	RateLimitAppendMaxRetries     int

	DeleteUploadedFiles           bool
	DeleteUploadedFilesDelayHours int

	Streamers []Streamer
}

// LoadFile reads and parses a YAML config file. A missing file is not an
// error — env vars and defaults are allowed to carry the whole config, the
// way the teacher's loader tolerates an absent config.yaml.
func LoadFile(path string) (*FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return &fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fc, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

func strOr(p *string, env, def string) string {
	if p != nil && *p != "" {
		def = *p
	}
	return ParseString(env, def)
}

func intOr(p *int, env string, def int) int {
	if p != nil {
		def = *p
	}
	return ParseInt(env, def)
}

func boolOr(p *bool, env string, def bool) bool {
	if p != nil {
		def = *p
	}
	return ParseBool(env, def)
}

// Load merges defaults < file < environment into an AppConfig, the same
// precedence as the teacher's loader. File values become the new default
// fed into ParseX so an explicit env var always wins.
func Load(fc *FileConfig) *AppConfig {
	if fc == nil {
		fc = &FileConfig{}
	}
	cfg := &AppConfig{
		ProcessingFolder: strOr(&fc.Paths.ProcessingFolder, "PROCESSING_FOLDER", "./processing"),
		UploadFolder:     strOr(&fc.Paths.UploadFolder, "UPLOAD_FOLDER", "./upload"),
		DestinationYAML:  strOr(&fc.Paths.DestinationYAML, "DESTINATION_YAML", "./config.yaml"),
		CookiesPath:      strOr(&fc.Paths.CookiesPath, "COOKIES_PATH", "./cookies.json"),
		DatabasePath:     strOr(&fc.Paths.DatabasePath, "DATABASE_PATH", "./relaycast.db"),

		MinFileSizeMB:        intOr(fc.Processing.MinFileSizeMB, "MIN_FILE_SIZE_MB", 10),
		FontSize:             intOr(fc.Processing.FontSize, "FONT_SIZE", 38),
		SCFontSize:           intOr(fc.Processing.SCFontSize, "SC_FONT_SIZE", 32),
		SkipVideoEncoding:    boolOr(fc.Processing.SkipVideoEncoding, "SKIP_VIDEO_ENCODING", false),
		DanmakuTitleSuffix:   strOr(fc.Processing.DanmakuTitleSuffix, "DANMAKU_TITLE_SUFFIX", "【弹幕版】"),
		NoDanmakuTitleSuffix: strOr(fc.Processing.NoDanmakuTitleSuffix, "NO_DANMAKU_TITLE_SUFFIX", "【无弹幕版】"),

		ScheduleIntervalMinutes:   intOr(fc.Scheduling.ScheduleIntervalMinutes, "SCHEDULE_INTERVAL_MINUTES", 60),
		StreamStatusCheckInterval: time.Duration(intOr(fc.Scheduling.StreamStatusCheckInterval, "STREAM_STATUS_CHECK_INTERVAL", 10)) * time.Minute,
		StreamStartTimeAdjustment: time.Duration(intOr(fc.Scheduling.StreamStartTimeAdjustment, "STREAM_START_TIME_ADJUSTMENT", 10)) * time.Minute,
		ProcessAfterStreamEnd:     boolOr(fc.Scheduling.ProcessAfterStreamEnd, "PROCESS_AFTER_STREAM_END", false),
		ScheduledUploadEnabled:    boolOr(fc.Scheduling.ScheduledUploadEnabled, "SCHEDULED_UPLOAD_ENABLED", true),
		PostStreamDelay:           time.Duration(intOr(fc.Scheduling.PostStreamDelayMinutes, "POST_STREAM_DELAY_MINUTES", 3)) * time.Minute,

		RecordingEnabled:           boolOr(fc.Recording.Enabled, "RECORDING_ENABLED", true),
		RecordingSegmentMinutes:    intOr(fc.Recording.SegmentMinutes, "RECORDING_SEGMENT_MINUTES", 60),
		RecordingRetryDelaySeconds: intOr(fc.Recording.RetryDelaySeconds, "RECORDING_RETRY_DELAY_SECONDS", 10),

		DouyuCDN:  strOr(fc.Stream.DouyuCDN, "DOUYU_CDN", "hw-h5"),
		DouyuRate: intOr(fc.Stream.DouyuRate, "DOUYU_RATE", 0),
		DouyuDID:  strOr(fc.Stream.DouyuDID, "DOUYU_DID", "10000000000000000000000000001501"),

		ChatWSURL:            strOr(fc.Chat.WSURL, "DANMAKU_WS_URL", "wss://danmuproxy.douyu.com:8506/"),
		ChatHeartbeatSeconds: intOr(fc.Chat.HeartbeatSeconds, "DANMAKU_HEARTBEAT_SECONDS", 30),

		UploadBackend:             strOr(fc.Upload.Backend, "UPLOAD_BACKEND", "biliup_cli"),
		UploadBinaryPath:          strOr(fc.Upload.BinaryPath, "BILIUP_CLI_PATH", "biliup"),
		UploadSubmit:              strOr(fc.Upload.Submit, "BILIUP_SUBMIT", "app"),
		UploadLine:                strOr(fc.Upload.Line, "BILIUP_LINE", ""),
		RateLimitCooldownSeconds:  intOr(fc.Upload.RateLimitCooldownSeconds, "BILIUP_RATE_LIMIT_COOLDOWN_SECONDS", 300),
		RateLimitAppendMaxRetries: intOr(fc.Upload.RateLimitAppendMaxRetries, "BILIUP_RATE_LIMIT_APPEND_MAX_RETRIES", 1),

		DeleteUploadedFiles:           boolOr(fc.Deletion.DeleteUploadedFiles, "DELETE_UPLOADED_FILES", false),
		DeleteUploadedFilesDelayHours: intOr(fc.Deletion.DeleteUploadedFilesDelayHours, "DELETE_UPLOADED_FILES_DELAY_HOURS", 24),

		Streamers: fc.Streamers,
	}
	return cfg
}
