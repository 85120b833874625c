// Package export writes rated feedback samples in the training-export schema.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"framepick/internal/frame"
)

// Record is one exported sample.
type Record struct {
	RelativePath string    `json:"relative_path"`
	QualityScore float64   `json:"quality_score"`
	DeviceID     string    `json:"device_id"`
	ISO          float64   `json:"iso"`
	ShutterMS    float64   `json:"shutter_ms"`
	MeanLuma     float64   `json:"mean_luma"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason,omitempty"`
	Feedback     *float64  `json:"feedback,omitempty"`
}

// FromItem builds a record for a scored item.
func FromItem(it frame.Item, deviceID string, at time.Time) Record {
	w, h := it.Metadata.Width, it.Metadata.Height
	if it.Image != nil && (w == 0 || h == 0) {
		w, h = it.Image.Width(), it.Image.Height()
	}
	return Record{
		RelativePath: it.Path,
		QualityScore: it.QualityScore,
		DeviceID:     deviceID,
		ISO:          it.Metadata.ISO,
		ShutterMS:    it.Metadata.ShutterMS,
		MeanLuma:     it.Metadata.MeanLuma,
		Width:        w,
		Height:       h,
		Timestamp:    at.UTC().Truncate(time.Second),
	}
}

// WithFeedback returns r annotated with a user rating.
func (r Record) WithFeedback(signal float64, reason string) Record {
	s := frame.Clamp01(signal)
	r.Feedback = &s
	r.Reason = reason
	return r
}

// Format selects an output encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat accepts csv, jsonl and the json alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "jsonl", "json", "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Writer streams records.
type Writer interface {
	Write(Record) error
	Flush() error
}

// NewWriter returns a Writer for format.
func NewWriter(w io.Writer, format Format) (Writer, error) {
	switch format {
	case FormatCSV:
		return NewCSVWriter(w), nil
	case FormatJSONL:
		return NewJSONLWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// WriteAll encodes recs to w.
func WriteAll(w io.Writer, format Format, recs []Record) error {
	out, err := NewWriter(w, format)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := out.Write(r); err != nil {
			return err
		}
	}
	return out.Flush()
}

// Header is the CSV column order.
var Header = []string{
	"relative_path", "quality_score", "device_id", "iso", "shutter_ms",
	"mean_luma", "width", "height", "timestamp", "reason", "feedback",
}

// CSVWriter writes a header row followed by one row per record.
type CSVWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

func (c *CSVWriter) Write(r Record) error {
	if !c.wroteHeader {
		if err := c.w.Write(Header); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	feedback := ""
	if r.Feedback != nil {
		feedback = formatFloat(*r.Feedback)
	}
	return c.w.Write([]string{
		r.RelativePath,
		formatFloat(r.QualityScore),
		r.DeviceID,
		formatFloat(r.ISO),
		formatFloat(r.ShutterMS),
		formatFloat(r.MeanLuma),
		strconv.Itoa(r.Width),
		strconv.Itoa(r.Height),
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Reason,
		feedback,
	})
}

// Flush writes the header even when no records were written.
func (c *CSVWriter) Flush() error {
	if !c.wroteHeader {
		if err := c.w.Write(Header); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	c.w.Flush()
	return c.w.Error()
}

// JSONLWriter writes one JSON object per line.
type JSONLWriter struct {
	enc *json.Encoder
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

func (j *JSONLWriter) Write(r Record) error {
	r.Timestamp = r.Timestamp.UTC()
	return j.enc.Encode(r)
}

func (j *JSONLWriter) Flush() error { return nil }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
