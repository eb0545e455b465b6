// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chatxml

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXMLIsParseable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "a.xml")

	w := New(out)
	require.NoError(t, w.Open())
	require.NoError(t, w.WriteDanmaku(Danmaku{OffsetSeconds: 1.23, Text: "a & <b>"}, func() int64 { return 1000 }))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var doc struct {
		XMLName xml.Name `xml:"i"`
		D       []struct {
			P     string `xml:"p,attr"`
			Text  string `xml:",chardata"`
		} `xml:"d"`
	}
	require.NoError(t, xml.Unmarshal(data, &doc))
	require.Len(t, doc.D, 1)
	require.Equal(t, "a & <b>", doc.D[0].Text)
	require.Equal(t, "1.23,1,25,16777215,1000,0,0,0", doc.D[0].P)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "dir", "a.xml")
	w := New(out)
	require.NoError(t, w.Open())
	require.NoError(t, w.Close())

	_, err := os.Stat(out)
	require.NoError(t, err)
}

func TestWriteDanmakuBeforeOpenFails(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "a.xml"))
	err := w.WriteDanmaku(Danmaku{Text: "hi"}, func() int64 { return 1 })
	require.Error(t, err)
}
