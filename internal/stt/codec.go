// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stt implements the Douyu "STT" chat wire framing: two
// little-endian length prefixes, a fixed opcode, a NUL-terminated UTF-8
// payload, and a slash-delimited key@=value encoding within the
// payload. Grounded on original_source/recording/stt_codec.go and
// douyu_message_parser.py.
package stt

import (
	"encoding/binary"
	"strings"
)

const (
	opCode     uint32 = 689
	headerSize        = 12
)

// Escape applies the Douyu STT escaping: "@" -> "@A", "/" -> "@S".
func Escape(s string) string {
	s = strings.ReplaceAll(s, "@", "@A")
	s = strings.ReplaceAll(s, "/", "@S")
	return s
}

// Unescape reverses Escape. Order matters: "@S" must be restored to "/"
// before "@A" is restored to "@", mirroring the Python implementation's
// replace order exactly (an "@A" produced in place of a literal "@"
// inside an already-escaped "@S" token must not be double-unescaped).
func Unescape(s string) string {
	s = strings.ReplaceAll(s, "@S", "/")
	s = strings.ReplaceAll(s, "@A", "@")
	return s
}

// Pack builds a single binary STT frame from a payload string. A
// trailing "/" is appended if not already present.
func Pack(payload string) []byte {
	if !strings.HasSuffix(payload, "/") {
		payload += "/"
	}

	body := append([]byte(payload), 0x00)
	length := uint32(len(body) + 8)

	frame := make([]byte, 0, headerSize+len(body))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, lenBuf[:]...)
	var opBuf [4]byte
	binary.LittleEndian.PutUint32(opBuf[:], opCode)
	frame = append(frame, opBuf[:]...)
	frame = append(frame, body...)
	return frame
}

// IterPayloads walks a binary message (which may contain multiple
// concatenated frames) and calls yield with each decoded payload
// string. It stops at the first malformed or truncated frame, mirroring
// the Python generator's break-on-short-read behavior.
func IterPayloads(data []byte, yield func(string)) {
	offset := 0
	n := len(data)
	for offset+4 <= n {
		length := binary.LittleEndian.Uint32(data[offset:])
		packetSize := int(length) + 4
		if packetSize <= headerSize || offset+packetSize > n {
			break
		}

		payload := data[offset+headerSize : offset+packetSize]
		if idx := indexByte(payload, 0x00); idx >= 0 {
			payload = payload[:idx]
		}
		yield(string(payload))
		offset += packetSize
	}
}

// Payloads collects IterPayloads into a slice, for callers that don't
// need streaming delivery (tests, small frames).
func Payloads(data []byte) []string {
	var out []string
	IterPayloads(data, func(s string) { out = append(out, s) })
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ParseKV parses a Douyu STT key/value payload ("k1@=v1/k2@=v2/") into a
// map, unescaping each value. Tokens without "@=" are skipped.
func ParseKV(payload string) map[string]string {
	result := make(map[string]string)
	for _, token := range strings.Split(payload, "/") {
		if token == "" {
			continue
		}
		key, value, ok := strings.Cut(token, "@=")
		if !ok {
			continue
		}
		result[key] = Unescape(value)
	}
	return result
}

// BuildKV is the encoding counterpart to ParseKV: it joins key/value
// pairs into a single STT payload body, escaping each value and
// preserving the given key order. The caller passes Pack the result.
func BuildKV(pairs [][2]string) string {
	var b strings.Builder
	for _, kv := range pairs {
		b.WriteString(kv[0])
		b.WriteString("@=")
		b.WriteString(Escape(kv[1]))
		b.WriteByte('/')
	}
	return b.String()
}
