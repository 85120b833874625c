package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framepick/internal/config"
	"framepick/internal/depth"
	"framepick/internal/features"
	"framepick/internal/fsutil"
	"framepick/internal/personalize"
	"framepick/internal/pipeline"
	"framepick/internal/quality"
	"framepick/internal/scene"
	"framepick/internal/selector"
	"framepick/internal/storage"
)

type testServer struct {
	srv   *Server
	http  *httptest.Server
	store *storage.Store
	burst string
}

func writePNG(t *testing.T, path string, fn func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: fn(x, y)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()
	cfg := config.Default()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var store *storage.Store
	var profiles personalize.Store
	if withStore {
		var err error
		store, err = storage.New(filepath.Join(t.TempDir(), "framepick.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		profiles = store.Profiles()
	}

	ex := features.New(cfg.Features)
	engine := personalize.New(ctx, cfg.Personalization, profiles, nil)
	sel := selector.New(selector.Options{
		Scorer:       quality.NewScorer(ex, nil, cfg.Scoring, nil),
		Depth:        depth.New(cfg.Depth),
		Scene:        scene.New(nil, nil),
		Personalizer: engine,
	})
	opts := selector.ServiceOptions{Selector: sel, Engine: engine, Extractor: ex, DeviceID: "test"}
	if store != nil {
		opts.Samples = store
	}
	svc := selector.NewService(opts)
	pipe := pipeline.New(ctx, pipeline.NewRouter(svc, fsutil.LoadOptions{MaxDimension: 64}, nil), 1, 4, nil, store)

	srv := New(":0", svc, pipe, store, nil)
	srv.StartStreams(ctx)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		pipe.Stop()
		_ = engine.Close()
	})

	burst := filepath.Join(t.TempDir(), "burst")
	require.NoError(t, os.MkdirAll(burst, 0o755))
	writePNG(t, filepath.Join(burst, "a.png"), func(x, y int) uint8 { return 128 })
	writePNG(t, filepath.Join(burst, "b.png"), func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 220
		}
		return 40
	})
	return &testServer{srv: srv, http: hs, store: store, burst: burst}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)
	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSelectReturnsBreakdown(t *testing.T) {
	ts := newTestServer(t, true)
	resp, out := ts.post(t, "/select", map[string]string{"dir": ts.burst})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)

	sel := out["selection"].(map[string]any)
	assert.Len(t, sel["breakdown"], 2)
	idx := int(sel["selected"].(float64))
	assert.Contains(t, []int{0, 1}, idx)
	assert.NotEmpty(t, out["session"])
	assert.Empty(t, out["error"])
}

func TestSelectDepthBurstWithoutManifest(t *testing.T) {
	ts := newTestServer(t, false)
	dm := make([]float32, 32*32)
	for i := range dm {
		dm[i] = 1 + float32(i%4)
	}
	require.NoError(t, fsutil.WriteDepth(filepath.Join(ts.burst, "a.depth"), dm))
	require.NoError(t, fsutil.WriteDepth(filepath.Join(ts.burst, "b.depth"), dm))
	require.NoError(t, os.WriteFile(filepath.Join(ts.burst, "c.png"), []byte("truncated"), 0o644))

	resp, out := ts.post(t, "/select", map[string]string{"dir": ts.burst})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	sel := out["selection"].(map[string]any)
	hints := sel["hints"].(map[string]any)
	assert.Equal(t, true, hints["wants_portrait"])

	breakdown := sel["breakdown"].([]any)
	require.Len(t, breakdown, 3)
	first := breakdown[0].(map[string]any)
	assert.Equal(t, true, first["context"].(map[string]any)["portrait"])
	broken := breakdown[2].(map[string]any)
	assert.Equal(t, string(quality.SourceNeutral), broken["source"])
}

func TestSelectErrors(t *testing.T) {
	ts := newTestServer(t, false)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"missing dir field", map[string]string{}, http.StatusBadRequest},
		{"unknown dir", map[string]string{"dir": filepath.Join(ts.burst, "nope")}, http.StatusNotFound},
		{"empty dir", map[string]string{"dir": t.TempDir()}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := ts.post(t, "/select", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestFeedbackTeachesProfile(t *testing.T) {
	ts := newTestServer(t, true)
	resp, out := ts.post(t, "/feedback", map[string]any{"dir": ts.burst, "index": 1, "signal": 1.0, "reason": "sharp"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	prof := out["profile"].(map[string]any)
	assert.Equal(t, 1.0, prof["total_ratings"])

	resp, out = ts.post(t, "/feedback", map[string]any{"dir": ts.burst, "index": 7, "signal": 1.0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, out)

	resp, _ = ts.post(t, "/feedback", map[string]any{"dir": ts.burst, "index": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	samples, err := ts.store.Samples(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "sharp", samples[0].Record.Reason)
}

func TestProfileActions(t *testing.T) {
	ts := newTestServer(t, false)
	resp, out := ts.post(t, "/profile/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["profile"].(map[string]any)["enabled"])

	resp, out = ts.post(t, "/profile/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["profile"].(map[string]any)["enabled"])
	assert.Equal(t, string(personalize.StateNeutral), out["state"])
	assert.InDelta(t, 0.1, out["learning_rate"], 1e-9)

	r, err := http.Post(ts.http.URL+"/profile/forget", "application/json", nil)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestSelectionsHistory(t *testing.T) {
	ts := newTestServer(t, true)
	resp, _ := ts.post(t, "/select", map[string]string{"dir": ts.burst})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r, err := http.Get(ts.http.URL + "/selections?limit=5")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)
	var recs []storage.SelectionRecord
	require.NoError(t, json.NewDecoder(r.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, ts.burst, recs[0].SourceDir)
	assert.Equal(t, 2, recs[0].FrameCount)

	bad, err := http.Get(ts.http.URL + "/selections?limit=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSelectionsWithoutStore(t *testing.T) {
	ts := newTestServer(t, false)
	r, err := http.Get(ts.http.URL + "/selections")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
}

func TestStreamDeliversResults(t *testing.T) {
	ts := newTestServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.http.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed only after the subscription exists, so the job
	// below cannot be missed.
	go func() {
		body := strings.NewReader(`{"dir":"` + ts.burst + `"}`)
		if r, err := http.Post(ts.http.URL+"/select", "application/json", body); err == nil {
			r.Body.Close()
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev resultView
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, pipeline.JobSelect, ev.Job.Type)
		assert.Equal(t, ts.burst, ev.Job.Dir)
		require.NotNil(t, ev.Selection)
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestProfileSocketPushesChanges(t *testing.T) {
	ts := newTestServer(t, false)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/profile"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first profileView
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.Profile.Enabled)
	assert.Equal(t, personalize.StateNeutral, first.State)

	resp, _ := ts.post(t, "/profile/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var next profileView
	require.NoError(t, conn.ReadJSON(&next))
	assert.False(t, next.Profile.Enabled)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		pipeline.ErrQueueFull:    http.StatusServiceUnavailable,
		os.ErrNotExist:           http.StatusNotFound,
		context.DeadlineExceeded: http.StatusGatewayTimeout,
		assert.AnError:           http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
