package transport

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs the outcome of every inbound channel stream.
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (l *LoggingInterceptor) StreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	counted := &countingStream{ServerStream: ss}

	err := handler(srv, counted)

	code := codes.OK
	if err != nil {
		if st, ok := status.FromError(err); ok {
			code = st.Code()
		} else {
			code = codes.Unknown
		}
	}

	attrs := []slog.Attr{
		slog.String("method", info.FullMethod),
		slog.Duration("duration", time.Since(start)),
		slog.String("code", code.String()),
		slog.Int("frames", counted.frames),
	}
	if origin, oerr := OriginFromContext(ss.Context()); oerr == nil {
		attrs = append(attrs, slog.String("origin", origin.String()))
	}

	ctx := ss.Context()
	switch {
	case err == nil, code == codes.Canceled:
		l.logger.LogAttrs(ctx, slog.LevelInfo, "grpc stream completed", attrs...)
	default:
		attrs = append(attrs, slog.String("error", err.Error()))
		l.logger.LogAttrs(ctx, slog.LevelError, "grpc stream failed", attrs...)
	}
	return err
}

type countingStream struct {
	grpc.ServerStream
	frames int
}

func (s *countingStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.frames++
	}
	return err
}
