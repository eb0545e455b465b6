// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiUpdateBVIDsRunsEveryStreamer(t *testing.T) {
	alice := New(Config{BinaryPath: "biliup", CookiesPath: "/opt/cookies.json"}, nil, "alice")
	bob := New(Config{BinaryPath: "biliup", CookiesPath: "/opt/cookies.json"}, nil, "bob")

	m := NewMulti(alice, bob)
	require.NoError(t, m.UpdateBVIDs(context.Background()))
}

func TestMultiUploadJoinsErrorsButRunsAllStreamers(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t)

	broken := New(Config{
		UploadFolder:    dir,
		DestinationYAML: "/nonexistent/dest.yaml",
	}, st, "alice")

	dest := writeDestinationYAML(t, dir)
	healthy := New(Config{
		UploadFolder:    t.TempDir(),
		DestinationYAML: dest,
	}, st, "bob")

	m := NewMulti(broken, healthy)
	err := m.Upload(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "alice", "joined error should name the failing streamer")
}
