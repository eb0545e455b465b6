// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"errors"
	"fmt"
)

// Multi fans the scheduler's single Uploader interface out across one
// Uploader per configured streamer, since every bucket/session lookup
// is scoped to a single streamer name. Errors from individual
// streamers are joined rather than aborting the remaining ones, so one
// streamer's destination trouble never blocks another's upload pass.
type Multi struct {
	uploaders []*Uploader
}

// NewMulti constructs a Multi over the given per-streamer uploaders.
func NewMulti(uploaders ...*Uploader) *Multi {
	return &Multi{uploaders: uploaders}
}

// UpdateBVIDs runs the backfill pass for every streamer.
func (m *Multi) UpdateBVIDs(ctx context.Context) error {
	var errs []error
	for _, u := range m.uploaders {
		if err := u.UpdateBVIDs(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.streamerName, err))
		}
	}
	return errors.Join(errs...)
}

// Upload runs one upload pass for every streamer.
func (m *Multi) Upload(ctx context.Context) error {
	var errs []error
	for _, u := range m.uploaders {
		if err := u.Upload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.streamerName, err))
		}
	}
	return errors.Join(errs...)
}
