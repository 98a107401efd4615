// Package transport carries data frames between vertices over gRPC
// client streams, one stream per (origin instance, shard).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/observability/metrics"
)

const (
	MetadataOriginInstance = "x-origin-instance"
	MetadataOriginShard    = "x-origin-shard"
)

// Receiver admits decoded frames; implemented by flow.Controller.
type Receiver interface {
	Receive(ctx context.Context, data []byte, key flow.ConnectionKey) error
}

type ServerConfig struct {
	// RetryRate paces the read loop after a frame was dropped at a flush boundary.
	RetryRate  rate.Limit
	RetryBurst int
	Logger     *slog.Logger
	Metrics    *metrics.ServiceMetrics
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RetryRate:  rate.Limit(200),
		RetryBurst: 20,
	}
}

// Server runs one read loop per inbound Push stream.
type Server struct {
	receiver Receiver
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.ServiceMetrics
}

func NewServer(receiver Receiver, config ServerConfig) *Server {
	defaults := DefaultServerConfig()
	if config.RetryRate <= 0 {
		config.RetryRate = defaults.RetryRate
	}
	if config.RetryBurst <= 0 {
		config.RetryBurst = defaults.RetryBurst
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}
	return &Server{
		receiver: receiver,
		limiter:  rate.NewLimiter(config.RetryRate, config.RetryBurst),
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
}

// Register adds the channel service to g.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	RegisterChannelServer(g, s)
}

// Push reads frames in order and hands them to the receiver. Frames refused
// because their connection is being flushed predate the flush and are dropped.
func (s *Server) Push(stream PushServer) error {
	ctx := stream.Context()
	key, err := OriginFromContext(ctx)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Info("inbound stream opened", slog.String("origin", key.String()))
	defer s.logger.Info("inbound stream closed", slog.String("origin", key.String()))

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if err != nil {
			return err
		}

		err = s.receiver.Receive(ctx, frame.GetValue(), key)
		switch {
		case err == nil:
		case errors.Is(err, flow.ErrReceptionCancelled), errors.Is(err, flow.ErrFlushInProgress):
			s.metrics.FrameDropped(key.Instance)
			s.logger.Debug("frame dropped at flush boundary",
				slog.String("origin", key.String()),
				slog.String("reason", err.Error()),
			)
			if err := s.limiter.Wait(ctx); err != nil {
				return status.FromContextError(err).Err()
			}
		case errors.Is(err, flow.ErrUnknownConnection):
			return status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, flow.ErrDecode):
			return status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return status.FromContextError(err).Err()
		default:
			return status.Error(codes.Internal, err.Error())
		}
	}
}

// OriginFromContext reads the sending connection from incoming metadata.
func OriginFromContext(ctx context.Context) (flow.ConnectionKey, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return flow.ConnectionKey{}, errors.New("missing metadata")
	}
	instances := md.Get(MetadataOriginInstance)
	if len(instances) == 0 || instances[0] == "" {
		return flow.ConnectionKey{}, fmt.Errorf("missing %s", MetadataOriginInstance)
	}
	key := flow.ConnectionKey{Instance: instances[0]}
	if shards := md.Get(MetadataOriginShard); len(shards) > 0 {
		shard, err := strconv.Atoi(shards[0])
		if err != nil || shard < 0 {
			return flow.ConnectionKey{}, fmt.Errorf("invalid %s %q", MetadataOriginShard, shards[0])
		}
		key.Shard = shard
	}
	return key, nil
}

// WithOrigin attaches the sending connection to outgoing metadata.
func WithOrigin(ctx context.Context, key flow.ConnectionKey) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		MetadataOriginInstance, key.Instance,
		MetadataOriginShard, strconv.Itoa(key.Shard),
	)
}
