// Package grpcserver serves a quality predictor over gRPC and provides the
// matching client, which plugs into the scorer as a quality.Predictor.
//
// Messages are protobuf well-known wrapper types, so no generated code is
// needed: a request is a PNG-encoded frame in a BytesValue, the response a
// score in [0,1] in a DoubleValue.
package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepick/internal/frame"
	"framepick/internal/logging"
	"framepick/internal/quality"
)

const (
	serviceName  = "framepick.QualityPredictor"
	scoreMethod  = "/" + serviceName + "/Score"
	maxFrameSize = 32 * 1024 * 1024
)

// QualityPredictorServer is the server API of the predictor service.
type QualityPredictorServer interface {
	Score(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.DoubleValue, error)
}

func scoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QualityPredictorServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QualityPredictorServer).Score(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes framepick.QualityPredictor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QualityPredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "framepick/quality_predictor.proto",
}

// RegisterQualityPredictorServer registers srv with s.
func RegisterQualityPredictorServer(s grpc.ServiceRegistrar, srv QualityPredictorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// PredictorServer answers Score calls with a local Predictor.
type PredictorServer struct {
	predictor quality.Predictor
	log       *slog.Logger
}

// NewPredictorServer wraps p.
func NewPredictorServer(p quality.Predictor, logger *slog.Logger) *PredictorServer {
	return &PredictorServer{predictor: p, log: logging.OrDefault(logger)}
}

func (s *PredictorServer) Score(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.DoubleValue, error) {
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty frame")
	}
	img, _, err := image.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode frame: %v", err)
	}
	v, err := s.predictor.Predict(ctx, frame.FromImage(img))
	if err != nil {
		if errors.Is(err, frame.ErrInvalidImageBuffer) {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		s.log.Warn("prediction failed", "error", err)
		return nil, status.Errorf(codes.Internal, "predict: %v", err)
	}
	return wrapperspb.Double(v), nil
}

// Serve runs the predictor service on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, srv QualityPredictorServer, logger *slog.Logger, opts ...grpc.ServerOption) error {
	log := logging.OrDefault(logger)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, srv, log, opts...)
}

// ServerTLSOption loads a certificate and key for serving over TLS.
func ServerTLSOption(certFile, keyFile string) (grpc.ServerOption, error) {
	creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server cert: %w", err)
	}
	return grpc.Creds(creds), nil
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, srv QualityPredictorServer, logger *slog.Logger, opts ...grpc.ServerOption) error {
	log := logging.OrDefault(logger)
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterQualityPredictorServer(gs, srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	log.Info("quality predictor listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
