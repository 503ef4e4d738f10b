package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/presence-relay/backend/metrics"
	"github.com/adwski/presence-relay/backend/model"
	_switch "github.com/adwski/presence-relay/backend/switch"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultReplyTimeout = 100 * time.Millisecond

	invalidFormatPrefix = "invalid message format: "
	rateLimitedText     = "rate limit exceeded"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type (
	Router interface {
		Route(ctx context.Context, sender model.UserID, msg model.Message) error
	}

	sessionConfig struct {
		queueSize int
		rateLimit rate.Limit
		rateBurst int
	}

	// Session is the server side of one client connection. It is the
	// endpoint the switch delivers to; outbound messages go through tx.
	Session struct {
		id      string
		userID  model.UserID
		tx      chan model.Message
		ctx     context.Context
		cancel  context.CancelFunc
		state   atomic.Int32
		once    sync.Once
		limiter *rate.Limiter
		router  Router
		metrics *metrics.Metrics
		logger  zerolog.Logger
	}
)

func newSession(
	parent context.Context,
	userID model.UserID,
	router Router,
	cfg sessionConfig,
	m *metrics.Metrics,
	logger *zerolog.Logger,
) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:      id,
		userID:  userID,
		tx:      make(chan model.Message, cfg.queueSize),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(cfg.rateLimit, cfg.rateBurst),
		router:  router,
		metrics: m,
		logger: logger.With().
			Int64("userID", int64(userID)).
			Str("connID", id).
			Logger(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() model.UserID { return s.userID }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Deliver enqueues msg for the client. It gives up when ctx expires or the session closes.
func (s *Session) Deliver(ctx context.Context, msg model.Message) error {
	if s.ctx.Err() != nil {
		return _switch.ErrEndpointClosed
	}
	select {
	case s.tx <- msg:
		return nil
	case <-s.ctx.Done():
		return _switch.ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination. Safe to call any number of times from any goroutine.
func (s *Session) Close() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	s.cancel()
}

// HandleInbound processes one raw frame from the client. Decode failures are
// answered with an Error message and never end the session.
func (s *Session) HandleInbound(ctx context.Context, raw []byte) {
	if !s.limiter.Allow() {
		s.metrics.Dropped.WithLabelValues(metrics.ReasonLimited).Inc()
		s.logger.Warn().Msg("rate limit exceeded, frame discarded")
		s.reply(ctx, model.Error{Message: rateLimitedText})
		return
	}

	msg, err := model.Decode(raw)
	if err != nil {
		s.metrics.Malformed.Inc()
		s.logger.Error().Err(err).Msg("failed to decode incoming message")
		s.reply(ctx, model.Error{Message: invalidFormatPrefix + err.Error()})
		return
	}
	s.logger.Trace().Str("type", string(msg.Kind())).Msg("message received")

	if err = s.router.Route(ctx, s.userID, msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Kind())).Msg("message not routed")
	}
}

func (s *Session) reply(ctx context.Context, msg model.Message) {
	rCtx, cancel := context.WithTimeout(ctx, defaultReplyTimeout)
	defer cancel()
	if err := s.Deliver(rCtx, msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue reply")
	}
}

// open marks the session registered.
func (s *Session) open() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// finish runs teardown exactly once and leaves the session closed.
func (s *Session) finish(teardown func()) {
	s.once.Do(func() {
		s.Close()
		teardown()
		s.state.Store(int32(StateClosed))
	})
}
