// Package bundle reads the normalized history bundles produced by browser
// collectors. Bundles are JSON, optionally zstd-compressed.
package bundle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/xeipuuv/gojsonschema"

	"github.com/walrusec/browser-timeliner/internal/model"
)

// MaxSize bounds the decompressed size of one bundle
const MaxSize = 512 << 20

// Time bases accepted in the time_base field
const (
	TimeBaseRFC3339 = "rfc3339"
	TimeBaseUnix    = "unix"
	TimeBaseUnixMS  = "unix_ms"
	TimeBaseWebKit  = "webkit"
	TimeBasePRTime  = "prtime"
)

// webkitEpochOffset is the distance between 1601-01-01 and 1970-01-01 in microseconds
const webkitEpochOffset = 11644473600000000

// ErrInvalidBundle is returned when a document fails schema validation
var ErrInvalidBundle = errors.New("invalid history bundle")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

//go:embed schema/bundle.json
var bundleSchema []byte

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(bundleSchema))
})

type wireBundle struct {
	Profile     string           `json:"profile"`
	Browser     string           `json:"browser"`
	TimeBase    string           `json:"time_base"`
	Visits      []wireVisit      `json:"visits"`
	Downloads   []wireDownload   `json:"downloads"`
	SearchTerms []wireSearchTerm `json:"search_terms"`
}

type wireVisit struct {
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	Timestamp  json.RawMessage `json:"timestamp"`
	ReferrerID *int64          `json:"referrer_id"`
	Title      string          `json:"title"`
	Profile    string          `json:"profile"`
	Transition string          `json:"transition"`
}

type wireDownload struct {
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	TargetPath string          `json:"target_path"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Completed  bool            `json:"completed"`
	DangerType string          `json:"danger_type"`
}

type wireSearchTerm struct {
	URL  string `json:"url"`
	Term string `json:"term"`
}

// ReadFile reads and decodes the bundle at path
func ReadFile(path string) (*model.HistoryBundle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer file.Close()

	b, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Decode reads one bundle from r. zstd input is detected by its frame magic.
// Timestamps that cannot be parsed decode as the zero time so that the
// sessionizer reports the record instead of the whole bundle failing.
func Decode(r io.Reader) (*model.HistoryBundle, error) {
	data, err := readLimited(r)
	if err != nil {
		return nil, err
	}

	if bytes.HasPrefix(data, zstdMagic) {
		zstdReader, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zstdReader.Close()
		if data, err = readLimited(zstdReader); err != nil {
			return nil, fmt.Errorf("failed to decompress bundle: %w", err)
		}
	}

	if err := validate(data); err != nil {
		return nil, err
	}

	var wire wireBundle
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	return wire.toModel(), nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("bundle exceeds %d bytes", MaxSize)
	}
	return data, nil
}

func validate(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("failed to load bundle schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidBundle, strings.Join(messages, "; "))
	}
	return nil
}

func (w *wireBundle) toModel() *model.HistoryBundle {
	base := w.TimeBase
	if base == "" {
		base = TimeBaseRFC3339
	}

	b := &model.HistoryBundle{
		Profile:     w.Profile,
		Browser:     w.Browser,
		Visits:      make([]model.Visit, 0, len(w.Visits)),
		Downloads:   make([]model.Download, 0, len(w.Downloads)),
		SearchTerms: make([]model.SearchTerm, 0, len(w.SearchTerms)),
	}
	for _, v := range w.Visits {
		b.Visits = append(b.Visits, model.Visit{
			ID:         v.ID,
			URL:        v.URL,
			Timestamp:  ParseTimestamp(v.Timestamp, base),
			ReferrerID: v.ReferrerID,
			Title:      v.Title,
			Profile:    v.Profile,
			Transition: v.Transition,
		})
	}
	for _, d := range w.Downloads {
		b.Downloads = append(b.Downloads, model.Download{
			ID:         d.ID,
			URL:        d.URL,
			TargetPath: d.TargetPath,
			Timestamp:  ParseTimestamp(d.Timestamp, base),
			Completed:  d.Completed,
			DangerType: d.DangerType,
		})
	}
	for _, s := range w.SearchTerms {
		b.SearchTerms = append(b.SearchTerms, model.SearchTerm{URL: s.URL, Term: s.Term})
	}
	return b
}

// ParseTimestamp converts a wire timestamp to UTC. Strings are RFC 3339;
// numbers are interpreted in base. Missing, zero or malformed values return
// the zero time.
func ParseTimestamp(raw json.RawMessage, base string) time.Time {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return time.Time{}
	}

	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil {
			return time.Time{}
		}
		n = int64(f)
		if base == TimeBaseUnix || base == TimeBaseRFC3339 {
			if f <= 0 {
				return time.Time{}
			}
			return time.UnixMicro(int64(f * 1e6)).UTC()
		}
	}
	if n <= 0 {
		return time.Time{}
	}

	switch base {
	case TimeBaseUnixMS:
		return time.UnixMilli(n).UTC()
	case TimeBaseWebKit:
		if n <= webkitEpochOffset {
			return time.Time{}
		}
		return time.UnixMicro(n - webkitEpochOffset).UTC()
	case TimeBasePRTime:
		return time.UnixMicro(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
