// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package chatxml writes Bilibili-dialect danmaku XML (C2). The file
// opens with an <i> root element and accumulates <d p="..."> entries,
// one per line, flushed after every write so a reader tailing the file
// mid-recording sees a valid (if unterminated) document. Grounded on
// original_source/recording/xml_writer.go.
package chatxml

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
)

// Danmaku is a single chat comment written to the document.
type Danmaku struct {
	OffsetSeconds float64
	Text          string
	Mode          int
	FontSize      int
	Color         int
	Timestamp     int64 // unix seconds; if zero, WriteDanmaku fills in its now() result
	Pool          int
	UID           int
	RowID         int
}

// DefaultMode, DefaultFontSize and DefaultColor match the Bilibili
// danmaku XML dialect's conventional scrolling-comment parameters.
const (
	DefaultMode     = 1
	DefaultFontSize = 25
	DefaultColor    = 16777215
)

// Writer appends <d> elements to an open XML file.
type Writer struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// New returns a Writer for path. Call Open before Write.
func New(path string) *Writer {
	return &Writer{path: path}
}

// Open creates parent directories if needed and writes the XML prolog
// and <i> root element. Calling Open twice is a no-op.
func (w *Writer) Open() error {
	if w.f != nil {
		return nil
	}
	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("chatxml: mkdir: %w", err)
		}
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("chatxml: create: %w", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	if _, err := w.w.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<i>\n"); err != nil {
		return fmt.Errorf("chatxml: write header: %w", err)
	}
	return w.w.Flush()
}

// WriteDanmaku appends a single <d p="..."> entry and flushes.
func (w *Writer) WriteDanmaku(d Danmaku, now func() int64) error {
	if w.f == nil {
		return fmt.Errorf("chatxml: writer is not open")
	}
	mode, fontSize, color := d.Mode, d.FontSize, d.Color
	if mode == 0 {
		mode = DefaultMode
	}
	if fontSize == 0 {
		fontSize = DefaultFontSize
	}
	if color == 0 {
		color = DefaultColor
	}
	ts := d.Timestamp
	if ts == 0 {
		ts = now()
	}

	p := fmt.Sprintf("%.2f,%d,%d,%d,%d,%d,%d,%d", d.OffsetSeconds, mode, fontSize, color, ts, d.Pool, d.UID, d.RowID)

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(d.Text)); err != nil {
		return fmt.Errorf("chatxml: escape text: %w", err)
	}

	if _, err := fmt.Fprintf(w.w, "<d p=%q>%s</d>\n", p, escaped.String()); err != nil {
		return fmt.Errorf("chatxml: write entry: %w", err)
	}
	return w.w.Flush()
}

// Close writes the closing </i> element and releases the file handle.
// Calling Close on an unopened or already-closed Writer is a no-op.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	_, writeErr := w.w.WriteString("</i>\n")
	if writeErr == nil {
		writeErr = w.w.Flush()
	}
	closeErr := w.f.Close()
	w.f = nil
	w.w = nil
	if writeErr != nil {
		return fmt.Errorf("chatxml: write footer: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("chatxml: close: %w", closeErr)
	}
	return nil
}
