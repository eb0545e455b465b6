// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fakeBiliup(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake biliup unsupported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-biliup")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func writeDestinationYAML(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "dest.yaml")
	content := "title: \"测试标题{time}\"\ntid: 171\ntag: \"t1,t2\"\nsource: \"\"\ncover: \"\"\ndynamic: \"\"\ndesc: \"d\"\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestExtractBiliupBVID(t *testing.T) {
	out := `INFO biliup::uploader::bilibili: ResponseData { code: 0, data: Some(Object {"aid": Number(1), "bvid": String("BV1y9fsBbEma")}), message: "0" }`
	bvid, ok := extractBiliupBVID(out)
	assert.True(t, ok)
	assert.Equal(t, "BV1y9fsBbEma", bvid)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, isRateLimited(`{"code":21540,"message":"请求过于频繁，请稍后再试","ttl":1}`))
	assert.False(t, isRateLimited(`{"code":0}`))
}

func TestUploadVideoEntryBuildsCommandAndReturnsBVID(t *testing.T) {
	bin := fakeBiliup(t, `
echo 'INFO ... Object {"code": Number(0), "data": Object {"bvid": String("BV1y9fsBbEma")}}'
echo 'INFO ... APP接口投稿成功'
exit 0
`)
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("x"), 0o644))

	u := New(Config{BinaryPath: bin, CookiesPath: "/opt/cookies.json", Submit: "app"}, nil, "alice")
	bvid, rateLimited, err := u.uploadVideoEntry(context.Background(), videoPath, 171, "测试标题", "测试简介", "测试,CLI", "", "", "")
	require.NoError(t, err)
	assert.False(t, rateLimited)
	assert.Equal(t, "BV1y9fsBbEma", bvid)
}

func TestAppendVideoEntryDetectsRateLimit(t *testing.T) {
	bin := fakeBiliup(t, `
echo '{"code":21540,"message":"请求过于频繁，请稍后再试","ttl":1}' >&2
exit 1
`)
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "p3.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("x"), 0o644))

	u := New(Config{BinaryPath: bin, CookiesPath: "/opt/cookies.json"}, nil, "alice")
	ok, rateLimited, err := u.appendVideoEntry(context.Background(), videoPath, "BV1y9fsBbEma")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, rateLimited)
}

func TestAppendVideoEntrySucceedsOnModifySuccess(t *testing.T) {
	bin := fakeBiliup(t, `echo 'INFO biliup::uploader::bilibili: 稿件修改成功'; exit 0`)
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "p2.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("x"), 0o644))

	u := New(Config{BinaryPath: bin, CookiesPath: "/opt/cookies.json"}, nil, "alice")
	ok, rateLimited, err := u.appendVideoEntry(context.Background(), videoPath, "BV1y9fsBbEma")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, rateLimited)
}

func TestBuildTitleSubstitutesTimePlaceholder(t *testing.T) {
	ts := time.Date(2026, 2, 24, 17, 30, 0, 0, clock.LocalZone)
	title := buildTitle("测试标题{time}", ts, false)
	assert.Equal(t, "测试标题2026年02月24日", title)
}

func TestBuildTitleAppendsCollectionMarkerWhenNoPlaceholderAndMultiPart(t *testing.T) {
	ts := time.Date(2026, 2, 24, 17, 30, 0, 0, clock.LocalZone)
	title := buildTitle("固定标题", ts, true)
	assert.Equal(t, "固定标题 (合集 2026-02-24)", title)
}

func TestUploadCreatesFirstFileOnlyAndLeavesRestForNextRun(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	destYAML := writeDestinationYAML(t, dir)

	bin := fakeBiliup(t, `
case "$*" in
  *append*) echo "should not append in this test" >&2; exit 1 ;;
esac
echo 'INFO ... Object {"code": Number(0), "data": Object {"bvid": String("BV1y9fsBbEma")}}'
echo 'INFO ... APP接口投稿成功'
exit 0
`)

	ctx := context.Background()
	fileTime1 := clock.Now().Add(-2 * time.Hour)
	fileTime2 := clock.Now().Add(-1 * time.Hour)
	start := fileTime1.Add(-5 * time.Minute)
	end := fileTime2.Add(30 * time.Minute)
	_, _, err := st.OpenNewSession(ctx, "洞主", start)
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, "洞主", end))

	p1 := filepath.Join(dir, "洞主录播"+fileTime1.Format("2006-01-02T15_04_05")+".mp4")
	p2 := filepath.Join(dir, "洞主录播"+fileTime2.Format("2006-01-02T15_04_05")+".mp4")
	require.NoError(t, os.WriteFile(p1, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(p2, []byte("x"), 0o644))

	u := New(Config{
		UploadFolder:              dir,
		DestinationYAML:           destYAML,
		BinaryPath:                bin,
		CookiesPath:               "/opt/cookies.json",
		Submit:                    "app",
		StreamStartTimeAdjustment: 10 * time.Minute,
		DanmakuTitleSuffix:        "【弹幕版】",
	}, st, "洞主")

	require.NoError(t, u.Upload(ctx))

	v, err := st.FindByFilename(ctx, filepath.Base(p1))
	require.NoError(t, err)
	require.NotNil(t, v.BVID)
	assert.Equal(t, "BV1y9fsBbEma", *v.BVID)

	_, err = st.FindByFilename(ctx, filepath.Base(p2))
	assert.ErrorIs(t, err, store.ErrNotFound, "second file must be left for the next run")
}

func TestUploadSkipsBucketWithPendingBVID(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	destYAML := writeDestinationYAML(t, dir)

	bin := fakeBiliup(t, `echo "should not be invoked" >&2; exit 1`)

	ctx := context.Background()
	pendingTime := clock.Now().Add(-90 * time.Minute)
	fileTime := clock.Now().Add(-1 * time.Hour)
	start := pendingTime.Add(-30 * time.Minute)
	end := fileTime.Add(30 * time.Minute)
	_, _, err := st.OpenNewSession(ctx, "alice", start)
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, "alice", end))

	_, err = st.InsertVideo(ctx, store.UploadedVideo{
		Title: "pending", FirstPartFilename: "已存在.mp4",
		UploadTime: pendingTime,
	})
	require.NoError(t, err)

	newFile := filepath.Join(dir, "alice录播"+fileTime.Format("2006-01-02T15_04_05")+".mp4")
	require.NoError(t, os.WriteFile(newFile, []byte("x"), 0o644))

	u := New(Config{
		UploadFolder:              dir,
		DestinationYAML:           destYAML,
		BinaryPath:                bin,
		CookiesPath:               "/opt/cookies.json",
		StreamStartTimeAdjustment: 10 * time.Minute,
	}, st, "alice")

	require.NoError(t, u.Upload(ctx))

	_, err = st.FindByFilename(ctx, filepath.Base(newFile))
	assert.ErrorIs(t, err, store.ErrNotFound, "pending bucket must not be touched this run")
}

func TestDeferredDeleteSweepRemovesOnlyExpiredRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()

	oldFile := filepath.Join(dir, "old.mp4")
	newFile := filepath.Join(dir, "new.mp4")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("new"), 0o644))

	ctx := context.Background()
	oldBvid := "BV1OLD0000000A"
	newBvid := "BV1NEW0000000A"
	_, err = st.InsertVideo(ctx, store.UploadedVideo{
		BVID: &oldBvid, Title: "old", FirstPartFilename: "old.mp4",
		UploadTime: clock.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = st.InsertVideo(ctx, store.UploadedVideo{
		BVID: &newBvid, Title: "new", FirstPartFilename: "new.mp4",
		UploadTime: clock.Now(),
	})
	require.NoError(t, err)

	// backdate the "old" row's created_at directly; InsertVideo always
	// stamps the insertion instant and has no backdating parameter.
	raw, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE uploaded_videos SET created_at = ? WHERE first_part_filename = 'old.mp4'`,
		clock.Now().Add(-48*time.Hour).Format(time.RFC3339))
	require.NoError(t, err)

	u := New(Config{
		UploadFolder:                  dir,
		DeleteUploadedFiles:           true,
		DeleteUploadedFilesDelayHours: 1,
	}, st, "alice")

	require.NoError(t, u.deferredDeleteSweep(ctx))

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err), "old file past the retention delay should be deleted")
	_, err = os.Stat(newFile)
	assert.NoError(t, err, "recently created row should be retained")
}
