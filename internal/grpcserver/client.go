package grpcserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"image/png"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepick/internal/frame"
	"framepick/internal/fsutil"
)

// DefaultUploadDim bounds the edge of frames sent to the predictor.
const DefaultUploadDim = 512

// Client calls a remote QualityPredictor. It implements quality.Predictor.
type Client struct {
	conn      grpc.ClientConnInterface
	closer    func() error
	uploadDim int
}

// Dial connects to a predictor at addr, in plaintext unless opts carry
// transport credentials (see TLSOption). The connection is lazy, so an
// unreachable server surfaces as a Predict error.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(base, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial predictor %s: %w", addr, err)
	}
	c := NewClient(conn)
	c.closer = conn.Close
	return c, nil
}

// TLSFiles locates PEM material for a TLS connection to the predictor.
// CACert alone verifies the server; Cert and Key add a client certificate.
type TLSFiles struct {
	CACert string
	Cert   string
	Key    string
}

// Enabled reports whether any TLS material is configured.
func (f TLSFiles) Enabled() bool {
	return f.CACert != "" || f.Cert != "" || f.Key != ""
}

// TLSOption returns a dial option that secures the connection with f.
func TLSOption(f TLSFiles) (grpc.DialOption, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.CACert != "" {
		pem, err := os.ReadFile(f.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to append CA cert")
		}
		cfg.RootCAs = pool
	}

	if f.Cert != "" || f.Key != "" {
		cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}

// NewClient wraps an existing connection. Closing it stays with the caller.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, uploadDim: DefaultUploadDim}
}

// Predict sends img, downscaled, to the remote model.
func (c *Client) Predict(ctx context.Context, img *frame.PixelBuffer) (float64, error) {
	var buf bytes.Buffer
	err := img.Read(func(v frame.PixelView) error {
		if !v.Valid() {
			return frame.ErrInvalidImageBuffer
		}
		return png.Encode(&buf, fsutil.Downscale(v.Image(), c.uploadDim))
	})
	if err != nil {
		return 0, err
	}

	out := new(wrapperspb.DoubleValue)
	if err := c.conn.Invoke(ctx, scoreMethod, wrapperspb.Bytes(buf.Bytes()), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
