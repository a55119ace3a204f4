package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	kferrors "github.com/killfeed/killfeed/internal/errors"
)

// NewServer builds a gRPC server with tracing, request logging and, when
// secret is non-empty, bearer-token auth.
func NewServer(cmds *Commands, secret string, logger *slog.Logger) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor(logger)}
	if secret != "" {
		interceptors = append(interceptors, AuthInterceptor([]byte(secret)))
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	cmds.Register(s)
	return s
}

// LoggingInterceptor logs each call with its request id and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		requestID := extractRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))

		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", code.String(),
			"request_id", requestID,
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// toStatus maps a domain error onto a gRPC status. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var ke *kferrors.Error
	if !errors.As(err, &ke) {
		return status.Error(codes.Internal, err.Error())
	}
	switch ke.Code {
	case kferrors.CodeInvalidArgument:
		if denied, _ := ke.Details["permission_denied"].(bool); denied {
			return status.Error(codes.PermissionDenied, ke.Message)
		}
		return status.Error(codes.InvalidArgument, ke.Message)
	case kferrors.CodeNotFound, kferrors.CodeBountyNotFound, kferrors.CodeSessionNotFound:
		return status.Error(codes.NotFound, ke.Message)
	case kferrors.CodeConflict, kferrors.CodeSessionConflict:
		return status.Error(codes.AlreadyExists, ke.Message)
	case kferrors.CodeInsufficientFunds, kferrors.CodeCooldown, kferrors.CodeSessionResolved:
		return status.Error(codes.FailedPrecondition, ke.Error())
	}
	return status.Error(codes.Internal, ke.Message)
}
