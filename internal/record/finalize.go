// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package record

import (
	"fmt"
	"os"
	"strings"
)

// finalizePartPath mirrors _finalize_part_path: strips a ".part"
// suffix, rejecting paths that don't carry it.
func finalizePartPath(partPath string) (string, error) {
	if !strings.HasSuffix(partPath, ".part") {
		return "", fmt.Errorf("record: expected .part file, got: %s", partPath)
	}
	return strings.TrimSuffix(partPath, ".part"), nil
}

// finalize atomically promotes partPath to its non-.part name with a
// single os.Rename (no copy), replacing any existing final file. A
// missing partPath is not an error — the caller finalizes whichever of
// flv/xml actually exists, even when the other side failed.
func finalize(partPath string) error {
	if _, err := os.Stat(partPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("record: stat %s: %w", partPath, err)
	}

	finalPath, err := finalizePartPath(partPath)
	if err != nil {
		return err
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("record: rename part file: %w", err)
	}
	return nil
}
