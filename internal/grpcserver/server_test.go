package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepick/internal/config"
	"framepick/internal/features"
	"framepick/internal/frame"
	"framepick/internal/quality"
)

func startServer(t *testing.T, p quality.Predictor) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, lis, NewPredictorServer(p, nil), nil) }()

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-done
	})
	return c
}

func grayFrame(w, h int, v uint8) *frame.PixelBuffer {
	buf := frame.NewRGB(w, h)
	_ = buf.Write(func(pv frame.PixelView) error {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pv.Set(x, y, v, v, v)
			}
		}
		return nil
	})
	return buf
}

func TestClientRoundTrip(t *testing.T) {
	var gotW int
	c := startServer(t, quality.PredictorFunc(func(ctx context.Context, img *frame.PixelBuffer) (float64, error) {
		gotW = img.Width()
		return 0.66, nil
	}))

	v, err := c.Predict(context.Background(), grayFrame(1024, 256, 90))
	require.NoError(t, err)
	assert.Equal(t, 0.66, v)
	assert.Equal(t, DefaultUploadDim, gotW)
}

func TestHeuristicPredictorOverTheWire(t *testing.T) {
	cfg := config.Default()
	scorer := quality.NewScorer(features.New(cfg.Features), nil, cfg.Scoring, nil)
	c := startServer(t, scorer.HeuristicPredictor())

	img := grayFrame(32, 32, 128)
	remote, err := c.Predict(context.Background(), img)
	require.NoError(t, err)
	local := scorer.Score(context.Background(), img)
	assert.InDelta(t, local.Baseline, remote, 1e-9)

	// The remote client slots into the scorer as its model.
	withModel := quality.NewScorer(features.New(cfg.Features), c, cfg.Scoring, nil)
	s := withModel.Score(context.Background(), img)
	assert.Equal(t, quality.SourceModel, s.Source)
}

func TestPredictorErrorsMapToStatus(t *testing.T) {
	c := startServer(t, quality.PredictorFunc(func(context.Context, *frame.PixelBuffer) (float64, error) {
		return 0, errors.New("model crashed")
	}))
	_, err := c.Predict(context.Background(), grayFrame(8, 8, 1))
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = c.Predict(context.Background(), frame.NewRGB(0, 0))
	assert.ErrorIs(t, err, frame.ErrInvalidImageBuffer)
}

func TestScoreRejectsGarbage(t *testing.T) {
	srv := NewPredictorServer(quality.PredictorFunc(func(context.Context, *frame.PixelBuffer) (float64, error) { return 1, nil }), nil)
	_, err := srv.Score(context.Background(), wrapperspb.Bytes([]byte("not an image")))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = srv.Score(context.Background(), wrapperspb.Bytes(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnreachablePredictorFallsBack(t *testing.T) {
	lis := bufconn.Listen(1024)
	_ = lis.Close()
	c, err := Dial("passthrough:///gone", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	defer c.Close()

	cfg := config.Default()
	cfg.Scoring.PredictorTimeout = config.Duration(50 * time.Millisecond)
	scorer := quality.NewScorer(features.New(cfg.Features), c, cfg.Scoring, nil)
	s := scorer.Score(context.Background(), grayFrame(16, 16, 128))
	assert.Equal(t, quality.SourceHeuristic, s.Source)
	assert.ErrorIs(t, s.PredictorErr, frame.ErrPredictorUnavailable)
}
