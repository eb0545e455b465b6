// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// biliupBVIDPattern extracts the bvid from biliup's stdout, matching
// spec.md §6's documented extraction regex.
var biliupBVIDPattern = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)

// rateLimitCode is the Bilibili rate-limit status spec.md §6 documents.
const rateLimitCode = "21540"

var successPhrases = []string{"投稿成功", "APP接口投稿成功", "稿件修改成功"}

func extractBiliupBVID(output string) (string, bool) {
	m := biliupBVIDPattern.FindString(output)
	return m, m != ""
}

func isSuccessOutput(output string) bool {
	for _, phrase := range successPhrases {
		if strings.Contains(output, phrase) {
			return true
		}
	}
	return strings.Contains(output, "code: 0") || strings.Contains(output, `"code":0`)
}

func isRateLimited(output string) bool {
	return strings.Contains(output, rateLimitCode)
}

// runtime is the resolved biliup CLI invocation surface for one call.
type runtime struct {
	bin     string
	cookies string
	submit  string
	line    string
}

func (u *Uploader) runtime() runtime {
	return runtime{
		bin:     u.cfg.BinaryPath,
		cookies: u.cfg.CookiesPath,
		submit:  u.cfg.Submit,
		line:    u.cfg.Line,
	}
}

// runBiliupCLI executes one biliup invocation and returns its combined
// stdout+stderr, matching the reference's _run_biliup_cli_command
// (stdout and stderr are both inspected for success/rate-limit phrases).
func runBiliupCLI(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// checkLogin verifies the configured cookies are valid via biliup's
// "renew" verb, the login/session-refresh entry point among the CLI's
// documented verbs (spec.md §6: renew, upload, append).
func (u *Uploader) checkLogin(ctx context.Context) error {
	rt := u.runtime()
	out, err := runBiliupCLI(ctx, []string{rt.bin, "-u", rt.cookies, "renew"})
	if err != nil {
		return fmt.Errorf("upload: biliup login check failed: %w: %s", err, out)
	}
	return nil
}

// uploadVideoEntry issues the create-submission call, matching the
// command shape test_uploader_biliup_cli.py asserts:
// [bin, -u, cookies, upload, ..., --submit, submit, --tid, tid, ..., path].
func (u *Uploader) uploadVideoEntry(ctx context.Context, videoPath string, tid int, title, desc, tag, source, cover, dynamic string) (bvid string, rateLimited bool, err error) {
	rt := u.runtime()
	args := []string{rt.bin, "-u", rt.cookies, "upload",
		"--submit", rt.submit,
		"--tid", fmt.Sprint(tid),
		"--title", title,
		"--desc", desc,
		"--tag", tag,
		"--copyright", "1",
	}
	if source != "" {
		args = append(args, "--source", source)
	}
	if cover != "" {
		args = append(args, "--cover", cover)
	}
	if dynamic != "" {
		args = append(args, "--dynamic", dynamic)
	}
	if rt.line != "" {
		args = append(args, "--line", rt.line)
	}
	args = append(args, videoPath)

	out, runErr := runBiliupCLI(ctx, args)
	if isRateLimited(out) {
		return "", true, nil
	}
	if runErr != nil || !isSuccessOutput(out) {
		if bv, ok := extractBiliupBVID(out); ok {
			// biliup occasionally returns a non-zero exit after a
			// successful submit (e.g. a trailing metadata warning); a
			// recovered bvid still counts as success.
			return bv, false, nil
		}
		return "", false, fmt.Errorf("upload: biliup upload failed: %w: %s", runErr, out)
	}
	bv, _ := extractBiliupBVID(out)
	return bv, false, nil
}

// appendVideoEntry issues the append-part call, matching the command
// shape: [bin, -u, cookies, append, --vid, bvid, ..., path]. Unlike
// upload, append never carries a --title flag — biliup's append verb
// does not support renaming parts.
func (u *Uploader) appendVideoEntry(ctx context.Context, videoPath, bvid string) (ok, rateLimited bool, err error) {
	rt := u.runtime()
	args := []string{rt.bin, "-u", rt.cookies, "append", "--vid", bvid}
	if rt.line != "" {
		args = append(args, "--line", rt.line)
	}
	args = append(args, videoPath)

	out, runErr := runBiliupCLI(ctx, args)
	if isRateLimited(out) {
		return false, true, nil
	}
	if runErr != nil || !isSuccessOutput(out) {
		return false, false, fmt.Errorf("upload: biliup append failed: %w: %s", runErr, out)
	}
	return true, false, nil
}
