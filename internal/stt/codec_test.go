// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeRoundtrip(t *testing.T) {
	s := "a/@b@c/中文"
	assert.Equal(t, s, Unescape(Escape(s)))
}

func TestPackIterPayloadsRoundtripSinglePacket(t *testing.T) {
	payload := "type@=loginreq/roomid@=1/"
	frame := Pack(payload)
	assert.Equal(t, []string{payload}, Payloads(frame))
}

func TestPackIterPayloadsRoundtripConcatPackets(t *testing.T) {
	payload1 := "type@=loginreq/roomid@=1/"
	payload2 := "type@=joingroup/rid@=1/gid@=-9999/"
	frame := append(Pack(payload1), Pack(payload2)...)
	assert.Equal(t, []string{payload1, payload2}, Payloads(frame))
}

func TestIterPayloadsStopsOnTruncatedFrame(t *testing.T) {
	frame := Pack("type@=loginreq/")
	truncated := frame[:len(frame)-2]
	assert.Empty(t, Payloads(truncated))
}

func TestParseKV(t *testing.T) {
	payload := "type@=chatmsg/nn@=Alice@Abot/txt@=hi@Sthere/"
	kv := ParseKV(payload)
	assert.Equal(t, "chatmsg", kv["type"])
	assert.Equal(t, "Alice@bot", kv["nn"])
	assert.Equal(t, "hi/there", kv["txt"])
}

func TestParseKVSkipsMalformedTokens(t *testing.T) {
	kv := ParseKV("novalue/type@=loginreq/")
	assert.Len(t, kv, 1)
	assert.Equal(t, "loginreq", kv["type"])
}

func TestBuildKVThenParseKVRoundtrip(t *testing.T) {
	pairs := [][2]string{{"type", "loginreq"}, {"roomid", "1"}}
	payload := BuildKV(pairs)
	kv := ParseKV(payload)
	assert.Equal(t, "loginreq", kv["type"])
	assert.Equal(t, "1", kv["roomid"])
}
