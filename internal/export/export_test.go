package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framepick/internal/frame"
)

var stamp = time.Date(2026, 5, 4, 10, 30, 15, 0, time.FixedZone("CEST", 2*3600))

func sample() Record {
	it := frame.Item{
		Path:         "burst-01/IMG_0002.jpg",
		QualityScore: 0.72,
		Metadata:     frame.Metadata{ISO: 400, ShutterMS: 8.5, MeanLuma: 0.41, Width: 4032, Height: 3024},
	}
	return FromItem(it, "pixel-7", stamp)
}

func TestCSVHasHeaderAndUTCTimestamp(t *testing.T) {
	var buf bytes.Buffer
	recs := []Record{sample(), sample().WithFeedback(1, "sharp eyes")}
	require.NoError(t, WriteAll(&buf, FormatCSV, recs))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{
		"burst-01/IMG_0002.jpg", "0.72", "pixel-7", "400", "8.5", "0.41",
		"4032", "3024", "2026-05-04T08:30:15Z", "", "",
	}, rows[1])
	assert.Equal(t, "sharp eyes", rows[2][9])
	assert.Equal(t, "1", rows[2][10])
}

func TestCSVEmptyStillWritesHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAll(&buf, FormatCSV, nil))
	assert.Equal(t, strings.Join(Header, ",")+"\n", buf.String())
}

func TestJSONLOmitsOptionalFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAll(&buf, FormatJSONL, []Record{sample(), sample().WithFeedback(0, "")}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.NotContains(t, first, "feedback")
	assert.NotContains(t, first, "reason")
	assert.Equal(t, "2026-05-04T08:30:15Z", first["timestamp"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, 0.0, second["feedback"])
}

func TestFromItemFallsBackToBufferDims(t *testing.T) {
	it := frame.Item{Image: frame.NewRGB(12, 9)}
	r := FromItem(it, "d", stamp)
	assert.Equal(t, 12, r.Width)
	assert.Equal(t, 9, r.Height)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"csv": FormatCSV, "JSONL": FormatJSONL, "json": FormatJSONL} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}
