package _switch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/metrics"
	"github.com/adwski/presence-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultDeliveryTimeout = time.Second
)

var (
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrEndpointClosed    = errors.New("endpoint is closed")
	ErrDeliveryFailed    = errors.New("delivery failed")
)

type (
	// Endpoint is the send capability of a connected session.
	// Deliver must honor ctx and must not block past its deadline.
	Endpoint interface {
		Deliver(ctx context.Context, msg model.Message) error
		Close()
	}

	Config struct {
		Logger          *zerolog.Logger
		Metrics         *metrics.Metrics
		DeliveryTimeout time.Duration
	}

	// Switch is the registry of online users. An entry exists exactly while
	// the user holds a registered connection.
	Switch struct {
		logger  zerolog.Logger
		metrics *metrics.Metrics
		timeout time.Duration
		mx      *sync.RWMutex
		fwd     map[model.UserID]Endpoint
	}

	peer struct {
		id model.UserID
		ep Endpoint
	}
)

func NewSwitch(cfg Config) *Switch {
	sw := &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		metrics: cfg.Metrics,
		timeout: cfg.DeliveryTimeout,
		mx:      &sync.RWMutex{},
		fwd:     make(map[model.UserID]Endpoint),
	}
	if sw.timeout <= 0 {
		sw.timeout = defaultDeliveryTimeout
	}
	if sw.metrics == nil {
		sw.metrics = metrics.New(nil)
	}
	return sw
}

// Connect registers ep for id, superseding any previous endpoint of the same user.
// The entry is visible to lookups before any presence message goes out.
// Everybody else learns that id is online, and ep receives the current presence snapshot.
func (sw *Switch) Connect(ctx context.Context, id model.UserID, ep Endpoint) {
	sw.mx.Lock()
	prev, existed := sw.fwd[id]
	sw.fwd[id] = ep
	others := sw.peersLocked(id)
	count := len(sw.fwd)
	sw.metrics.Sessions.Set(float64(count))
	sw.mx.Unlock()

	logger := sw.logger.With().Int64("userID", int64(id)).Logger()

	if existed && prev != ep {
		prev.Close()
		sw.metrics.Superseded.Inc()
		logger.Debug().Msg("previous endpoint superseded")
	}
	logger.Debug().Int("online", count).Msg("endpoint connected")

	sw.fanOut(ctx, others, model.Status{UserID: id, Online: true})

	for _, p := range others {
		_ = sw.deliver(ctx, id, ep, model.Status{UserID: p.id, Online: true})
	}
}

// Disconnect removes id unconditionally. It reports whether an entry was removed;
// only then the offline status is broadcast.
func (sw *Switch) Disconnect(ctx context.Context, id model.UserID) bool {
	return sw.remove(ctx, id, nil)
}

// Release removes id only while it is still mapped to ep, so a superseded
// session tearing down never evicts its successor.
func (sw *Switch) Release(ctx context.Context, id model.UserID, ep Endpoint) bool {
	return sw.remove(ctx, id, ep)
}

func (sw *Switch) remove(ctx context.Context, id model.UserID, ep Endpoint) bool {
	sw.mx.Lock()
	cur, ok := sw.fwd[id]
	if !ok || (ep != nil && cur != ep) {
		sw.mx.Unlock()
		return false
	}
	delete(sw.fwd, id)
	others := sw.peersLocked(id)
	count := len(sw.fwd)
	sw.metrics.Sessions.Set(float64(count))
	sw.mx.Unlock()

	sw.logger.Debug().
		Int64("userID", int64(id)).
		Int("online", count).
		Msg("endpoint disconnected")

	sw.fanOut(ctx, others, model.Status{UserID: id, Online: false})
	return true
}

func (sw *Switch) Lookup(id model.UserID) (Endpoint, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	ep, ok := sw.fwd[id]
	return ep, ok
}

// BroadcastAll delivers msg to every registered endpoint and returns the number of successful deliveries.
func (sw *Switch) BroadcastAll(ctx context.Context, msg model.Message) int {
	sw.mx.RLock()
	peers := sw.peersLocked()
	sw.mx.RUnlock()
	return sw.fanOut(ctx, peers, msg)
}

// BroadcastExcept is BroadcastAll without the excluded user.
func (sw *Switch) BroadcastExcept(ctx context.Context, exclude model.UserID, msg model.Message) int {
	sw.mx.RLock()
	peers := sw.peersLocked(exclude)
	sw.mx.RUnlock()
	return sw.fanOut(ctx, peers, msg)
}

// SendTo delivers msg to a single user. Offline targets yield ErrRecipientNotFound,
// the message is dropped either way.
func (sw *Switch) SendTo(ctx context.Context, id model.UserID, msg model.Message) error {
	ep, ok := sw.Lookup(id)
	if !ok {
		sw.metrics.Dropped.WithLabelValues(metrics.ReasonNotFound).Inc()
		sw.logger.Debug().
			Int64("dst", int64(id)).
			Str("type", string(msg.Kind())).
			Msg("cannot forward, dst not found")
		return ErrRecipientNotFound
	}
	return sw.deliver(ctx, id, ep, msg)
}

// OnlineUsers returns the ids of registered users in ascending order.
func (sw *Switch) OnlineUsers() []model.UserID {
	sw.mx.RLock()
	ids := make([]model.UserID, 0, len(sw.fwd))
	for id := range sw.fwd {
		ids = append(ids, id)
	}
	sw.mx.RUnlock()
	slices.Sort(ids)
	return ids
}

func (sw *Switch) IsOnline(id model.UserID) bool {
	_, ok := sw.Lookup(id)
	return ok
}

func (sw *Switch) ConnectionCount() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// peersLocked copies the registry minus the excluded ids. Caller holds mx.
func (sw *Switch) peersLocked(exclude ...model.UserID) []peer {
	peers := make([]peer, 0, len(sw.fwd))
	for id, ep := range sw.fwd {
		if slices.Contains(exclude, id) {
			continue
		}
		peers = append(peers, peer{id: id, ep: ep})
	}
	return peers
}

// fanOut runs without the lock held. A failed recipient does not stop the others;
// only cancellation of ctx does.
func (sw *Switch) fanOut(ctx context.Context, peers []peer, msg model.Message) int {
	var sent int
	for i, p := range peers {
		if ctx.Err() != nil {
			sw.logger.Warn().
				Str("type", string(msg.Kind())).
				Int("remaining", len(peers)-i).
				Msg("broadcast canceled")
			break
		}
		if sw.deliver(ctx, p.id, p.ep, msg) == nil {
			sent++
		}
	}
	return sent
}

func (sw *Switch) deliver(ctx context.Context, dst model.UserID, ep Endpoint, msg model.Message) error {
	dCtx, cancel := context.WithTimeout(ctx, sw.timeout)
	defer cancel()

	err := ep.Deliver(dCtx, msg)
	if err == nil {
		sw.metrics.Delivered.Inc()
		sw.logger.Trace().
			Int64("dst", int64(dst)).
			Str("type", string(msg.Kind())).
			Msg("message is forwarded")
		return nil
	}

	reason := metrics.ReasonError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = metrics.ReasonTimeout
	case errors.Is(err, ErrEndpointClosed):
		reason = metrics.ReasonClosed
	}
	sw.metrics.Dropped.WithLabelValues(reason).Inc()
	sw.logger.Error().Err(err).
		Int64("dst", int64(dst)).
		Str("type", string(msg.Kind())).
		Str("reason", reason).
		Msg("dead endpoint")
	return errors.Join(ErrDeliveryFailed, err)
}
