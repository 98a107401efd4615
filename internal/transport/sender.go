package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/linkflow/stream/internal/flow"
)

type SenderConfig struct {
	// Origin identifies this vertex to the receiving side.
	Origin  flow.ConnectionKey
	Target  string
	Backoff Backoff
	Logger  *slog.Logger
}

// Sender keeps one Push stream to a target shard open and reopens it with
// backoff when it breaks. Frames are sent in call order.
type Sender struct {
	conn    grpc.ClientConnInterface
	origin  flow.ConnectionKey
	target  string
	backoff Backoff
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stream PushClient
}

func NewSender(conn grpc.ClientConnInterface, config SenderConfig) *Sender {
	if config.Backoff.InitialInterval <= 0 {
		config.Backoff = DefaultBackoff()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(WithOrigin(context.Background(), config.Origin))
	return &Sender{
		conn:    conn,
		origin:  config.Origin,
		target:  config.Target,
		backoff: config.Backoff,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Sender) Target() string { return s.target }

// Send delivers frame, reconnecting until it succeeds, the backoff gives up
// or ctx ends.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &wrapperspb.BytesValue{Value: frame}
	for attempt := 0; ; attempt++ {
		err := s.sendLocked(msg)
		if err == nil {
			return nil
		}
		if s.backoff.Exhausted(attempt + 1) {
			return fmt.Errorf("send to %s: %w", s.target, err)
		}

		delay := s.backoff.Delay(attempt + 1)
		s.logger.Warn("send failed, reconnecting",
			slog.String("target", s.target),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.ctx.Done():
			timer.Stop()
			return fmt.Errorf("sender to %s closed: %w", s.target, s.ctx.Err())
		}
	}
}

func (s *Sender) sendLocked(msg *wrapperspb.BytesValue) error {
	if s.stream == nil {
		stream, err := OpenPush(s.ctx, s.conn)
		if err != nil {
			return err
		}
		s.stream = stream
	}
	if err := s.stream.Send(msg); err != nil {
		s.stream = nil
		return err
	}
	return nil
}

// Close ends the stream after the receiver acknowledged every frame.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cancel()

	if s.stream == nil {
		return nil
	}
	_, err := s.stream.CloseAndRecv()
	s.stream = nil
	return err
}
