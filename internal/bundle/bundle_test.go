package bundle

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBundle = `{
  "profile": "Default",
  "browser": "chromium",
  "visits": [
    {"id": 1, "url": "https://www.google.com/search?q=anydesk", "timestamp": "2024-01-01T12:00:00Z", "title": "anydesk - Google Search", "transition": "link"},
    {"id": 2, "url": "https://download.anydesk.com/AnyDesk.exe", "timestamp": "2024-01-01T13:01:00+01:00", "referrer_id": 1, "title": null},
    {"id": 3, "url": "https://example.com/", "timestamp": "yesterday", "referrer_id": null}
  ],
  "downloads": [
    {"id": 7, "url": "https://download.anydesk.com/AnyDesk.exe", "target_path": "C:\\Users\\a\\Downloads\\AnyDesk.exe", "timestamp": "2024-01-01T12:01:30Z", "completed": true}
  ],
  "search_terms": [
    {"url": "https://www.google.com/search?q=anydesk", "term": "anydesk"}
  ]
}`

var noon = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestDecode(t *testing.T) {
	b, err := Decode(strings.NewReader(sampleBundle))
	require.NoError(t, err)

	assert.Equal(t, "Default", b.Profile)
	assert.Equal(t, "chromium", b.Browser)
	require.Len(t, b.Visits, 3)

	assert.Equal(t, noon, b.Visits[0].Timestamp)
	assert.Equal(t, "link", b.Visits[0].Transition)
	assert.Equal(t, noon.Add(time.Minute), b.Visits[1].Timestamp)
	require.NotNil(t, b.Visits[1].ReferrerID)
	assert.Equal(t, int64(1), *b.Visits[1].ReferrerID)
	assert.Empty(t, b.Visits[1].Title)

	// unparseable timestamps are left for the sessionizer to report
	assert.True(t, b.Visits[2].Timestamp.IsZero())
	assert.False(t, b.Visits[2].HasReferrer())

	require.Len(t, b.Downloads, 1)
	assert.Equal(t, `C:\Users\a\Downloads\AnyDesk.exe`, b.Downloads[0].TargetPath)
	assert.True(t, b.Downloads[0].Completed)

	assert.Equal(t, map[string][]string{"https://www.google.com/search?q=anydesk": {"anydesk"}}, b.SearchTermsByURL())
}

func TestDecode_Zstd(t *testing.T) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleBundle))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "history.json.zst")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	b, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, b.Visits, 3)
	assert.Len(t, b.Downloads, 1)
}

func TestDecode_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "<html>"},
		{"missing visits", `{"profile": "x"}`},
		{"string id", `{"visits": [{"id": "1", "url": "https://a"}]}`},
		{"missing url", `{"visits": [{"id": 1}]}`},
		{"unknown time base", `{"time_base": "ticks", "visits": []}`},
		{"download without id", `{"visits": [], "downloads": [{"url": "https://a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		base string
		want time.Time
	}{
		{"rfc3339", `"2024-01-01T12:00:00Z"`, TimeBaseRFC3339, noon},
		{"rfc3339 nano offset", `"2024-01-01T14:00:00.5+02:00"`, TimeBaseRFC3339, noon.Add(500 * time.Millisecond)},
		{"space separated", `"2024-01-01 12:00:00"`, TimeBaseRFC3339, noon},
		{"unix seconds", `1704110400`, TimeBaseUnix, noon},
		{"unix fractional", `1704110400.25`, TimeBaseUnix, noon.Add(250 * time.Millisecond)},
		{"unix millis", `1704110400000`, TimeBaseUnixMS, noon},
		{"prtime", `1704110400000000`, TimeBasePRTime, noon},
		{"webkit", `13345000000000000`, TimeBaseWebKit, time.Date(2023, 11, 21, 0, 26, 40, 0, time.UTC)},
		{"webkit zero", `0`, TimeBaseWebKit, time.Time{}},
		{"null", `null`, TimeBaseRFC3339, time.Time{}},
		{"empty string", `""`, TimeBaseRFC3339, time.Time{}},
		{"garbage", `"soon"`, TimeBaseRFC3339, time.Time{}},
		{"negative", `-5`, TimeBaseUnix, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(json.RawMessage(tt.raw), tt.base)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}
