package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/presence-relay/backend/metrics"
	"github.com/adwski/presence-relay/backend/model"
	_switch "github.com/adwski/presence-relay/backend/switch"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorizedStatus = errors.New("status report for another user")
	ErrClientError        = errors.New("error messages are not accepted from clients")
	ErrUnroutable         = errors.New("message cannot be routed")
)

type (
	Switch interface {
		Connect(ctx context.Context, userID model.UserID, ep _switch.Endpoint)
		Release(ctx context.Context, userID model.UserID, ep _switch.Endpoint) bool
		BroadcastExcept(ctx context.Context, exclude model.UserID, msg model.Message) int
		SendTo(ctx context.Context, userID model.UserID, msg model.Message) error
	}

	Service struct {
		sw      Switch
		metrics *metrics.Metrics
		logger  zerolog.Logger
	}

	Config struct {
		Switch  Switch
		Metrics *metrics.Metrics
		Logger  *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		sw:      cfg.Switch,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
	}
	if svc.metrics == nil {
		svc.metrics = metrics.New(nil)
	}
	return svc
}

// OpenSession registers an admitted connection. Presence is announced before it returns.
func (svc *Service) OpenSession(ctx context.Context, userID model.UserID, ep _switch.Endpoint) {
	svc.sw.Connect(ctx, userID, ep)
	svc.logger.Debug().
		Int64("userID", int64(userID)).
		Msg("signaling session opened")
}

// CloseSession deregisters ep. Sessions that were superseded in the meantime are ignored.
func (svc *Service) CloseSession(ctx context.Context, userID model.UserID, ep _switch.Endpoint) {
	released := svc.sw.Release(ctx, userID, ep)
	svc.logger.Debug().
		Int64("userID", int64(userID)).
		Bool("released", released).
		Msg("signaling session closed")
}

// Route applies the routing policy to a message received from sender.
// A nil error means the message was delivered. ErrRecipientNotFound from the
// switch is passed through and is not a failure of the sender.
func (svc *Service) Route(ctx context.Context, sender model.UserID, msg model.Message) error {
	// only value variants can be encoded for the recipient
	switch msg.(type) {
	case *model.Status, *model.Chat, *model.CallOffer, *model.CallAnswer,
		*model.IceCandidate, *model.EndCall, *model.Error:
		svc.metrics.Dropped.WithLabelValues(metrics.ReasonRejected).Inc()
		return fmt.Errorf("%w: %T", ErrUnroutable, msg)
	}

	logger := svc.logger.With().
		Int64("src", int64(sender)).
		Str("type", string(msg.Kind())).
		Logger()

	switch m := msg.(type) {
	case model.Status:
		if m.UserID != sender {
			svc.metrics.Dropped.WithLabelValues(metrics.ReasonRejected).Inc()
			logger.Warn().
				Int64("claimed", int64(m.UserID)).
				Msg("spoofed status report discarded")
			return ErrUnauthorizedStatus
		}
		svc.metrics.Routed.WithLabelValues(string(m.Kind())).Inc()
		n := svc.sw.BroadcastExcept(ctx, sender, model.Status{UserID: sender, Online: m.Online})
		logger.Debug().
			Bool("online", m.Online).
			Int("recipients", n).
			Msg("status report broadcast")
		return nil

	case model.Error:
		svc.metrics.Dropped.WithLabelValues(metrics.ReasonRejected).Inc()
		logger.Debug().Msg("client sent error message, ignored")
		return ErrClientError

	case model.Relay:
		svc.metrics.Routed.WithLabelValues(string(m.Kind())).Inc()
		err := svc.sw.SendTo(ctx, m.Target(), m)
		if err != nil {
			logger.Debug().Err(err).
				Int64("dst", int64(m.Target())).
				Msg("relay not delivered")
			return err
		}
		logger.Trace().
			Int64("dst", int64(m.Target())).
			Msg("relayed")
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnroutable, msg)
	}
}
