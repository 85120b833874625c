package fsutil

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"framepick/internal/frame"
)

// ExtractEXIF fills capture fields of meta from exiftool -json output. It is
// best effort: a missing tool or unreadable file leaves meta unchanged.
func ExtractEXIF(ctx context.Context, path string, meta frame.Metadata) frame.Metadata {
	if !commandExists("exiftool") {
		return meta
	}
	cmd := exec.CommandContext(ctx, "exiftool", "-json", "-n", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return meta
	}
	var parsed []map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil || len(parsed) == 0 {
		return meta
	}
	return applyEXIF(parsed[0], meta)
}

func applyEXIF(m map[string]interface{}, meta frame.Metadata) frame.Metadata {
	if v, ok := m["ISO"].(float64); ok {
		meta.ISO = v
	}
	if v, ok := m["ExposureTime"].(float64); ok {
		meta.ShutterMS = v * 1000
	} else if s, ok := m["ExposureTime"].(string); ok {
		meta.ShutterMS = parseShutter(s) * 1000
	}
	if v, ok := m["ExposureCompensation"].(float64); ok {
		meta.ExposureBias = v
	}
	if v, ok := m["FNumber"].(float64); ok && v > 0 {
		meta.Aperture = &v
	}
	if v, ok := m["FocusDistance"].(float64); ok && v > 0 {
		meta.FocusDistance = &v
	}
	if v, ok := m["Orientation"].(float64); ok {
		meta.Orientation = int(v)
	}
	if v, ok := m["Flash"].(float64); ok {
		// Bit 0 of the EXIF flash field says whether it fired.
		if int(v)&1 == 1 {
			meta.Flash = frame.FlashOn
		} else {
			meta.Flash = frame.FlashOff
		}
	}
	if v, ok := m["LensModel"].(string); ok && meta.Lens == frame.LensUnknown {
		meta.Lens = lensFromModel(v)
	}
	if v, ok := m["DateTimeOriginal"].(string); ok {
		if t, err := time.ParseInLocation("2006:01:02 15:04:05", v, time.Local); err == nil {
			meta.CapturedAt = t
		}
	}
	return meta
}

// parseShutter accepts "1/125" or "0.008".
func parseShutter(s string) float64 {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func lensFromModel(model string) frame.Lens {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "ultra wide"), strings.Contains(m, "ultra-wide"), strings.Contains(m, "ultrawide"):
		return frame.LensUltraWide
	case strings.Contains(m, "telephoto"), strings.Contains(m, "tele"):
		return frame.LensTele
	case strings.Contains(m, "wide"), strings.Contains(m, "main"):
		return frame.LensWide
	default:
		return frame.LensUnknown
	}
}

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
