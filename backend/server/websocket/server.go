package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/auth"
	"github.com/adwski/presence-relay/backend/metrics"
	"github.com/adwski/presence-relay/backend/model"
	_switch "github.com/adwski/presence-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultSendQueueSize = 64
	defaultRateBurst     = 40
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrDraining   = errors.New("server is shutting down")
)

type (
	SignalingService interface {
		Router
		OpenSession(ctx context.Context, userID model.UserID, ep _switch.Endpoint)
		CloseSession(ctx context.Context, userID model.UserID, ep _switch.Endpoint)
	}

	// Admitter authenticates a connection attempt before the upgrade.
	Admitter interface {
		Admit(r *http.Request) (model.UserID, error)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Admitter         Admitter
		Metrics          *metrics.Metrics
		ListenAddr       string
		SendQueueSize    int
		// RateLimit is inbound frames per second per session, zero or less disables it.
		RateLimit        float64
		RateBurst        int
		MaxMessageSize   int64
	}

	Server struct {
		svc      SignalingService
		admitter Admitter
		metrics  *metrics.Metrics
		ws       *websocket.Upgrader
		*http.Server

		sessCfg  sessionConfig
		readMax  int64
		ctx      context.Context
		cancel   context.CancelFunc
		mx       sync.Mutex
		draining bool
		sessions sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.SignalingService,
		admitter: cfg.Admitter,
		metrics:  cfg.Metrics,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		sessCfg: sessionConfig{
			queueSize: cfg.SendQueueSize,
			rateLimit: rate.Limit(cfg.RateLimit),
			rateBurst: cfg.RateBurst,
		},
		readMax: cfg.MaxMessageSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	if srv.admitter == nil {
		srv.admitter = auth.Insecure{}
	}
	if srv.metrics == nil {
		srv.metrics = metrics.New(nil)
	}
	if srv.sessCfg.queueSize <= 0 {
		srv.sessCfg.queueSize = defaultSendQueueSize
	}
	if srv.sessCfg.rateLimit <= 0 {
		srv.sessCfg.rateLimit = rate.Inf
	}
	if srv.sessCfg.rateBurst <= 0 {
		srv.sessCfg.rateBurst = defaultRateBurst
	}
	if srv.readMax <= 0 {
		srv.readMax = defaultWebSocketMaxMessageSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{userID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := srv.Drain(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("sessions did not finish in time")
		}
	}
}

// Drain closes every live session and waits for their teardown.
// New connections are refused afterwards.
func (srv *Server) Drain(ctx context.Context) error {
	srv.mx.Lock()
	srv.draining = true
	srv.mx.Unlock()
	srv.cancel()

	done := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	userID, err := srv.admitter.Admit(r)
	if err != nil {
		srv.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection refused")
		if errors.Is(err, auth.ErrBadUserID) {
			w.WriteHeader(http.StatusBadRequest)
		} else {
			w.WriteHeader(http.StatusUnauthorized)
		}
		return
	}

	srv.mx.Lock()
	if srv.draining {
		srv.mx.Unlock()
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	srv.sessions.Add(1)
	srv.mx.Unlock()

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		srv.sessions.Done()
		return
	}

	sess := newSession(srv.ctx, userID, srv.svc, srv.sessCfg, srv.metrics, &srv.logger)
	go srv.handleWSConn(conn, sess)
}

// handleWSConn drives one session through connecting, open, closing and closed.
func (srv *Server) handleWSConn(conn *websocket.Conn, sess *Session) {
	defer srv.sessions.Done()

	var (
		sendDone = make(chan struct{})
		recvDone = make(chan struct{})
		logger   = &sess.logger
	)

	// the sender must run before registration so the presence snapshot can be drained
	go func() {
		webSocketSender(sess.ctx, conn, sess.tx, logger)
		sess.Close()
		close(sendDone)
	}()

	srv.svc.OpenSession(sess.ctx, sess.userID, sess)
	if sess.open() {
		logger.Debug().Msg("signaling session created")
	}

	go func() {
		webSocketReceiver(sess.ctx, conn, sess, srv.readMax, logger)
		sess.Close()
		close(recvDone)
	}()

	<-sess.Done()
	<-sendDone
	webSocketCloser(conn, logger) // unblocks the receiver
	<-recvDone

	sess.finish(func() {
		srv.destroySession(sess)
	})
}

func (srv *Server) destroySession(sess *Session) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	srv.svc.CloseSession(ctx, sess.userID, sess)
	sess.logger.Debug().Msg("signaling session ended")
}

func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, wsErr := model.Encode(msg)
			if wsErr != nil {
				// not fatal for the connection, only this message is lost
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.TextMessage, b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	sess *Session,
	readLimit int64,
	logger *zerolog.Logger,
) {
	conn.SetReadLimit(readLimit)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("receiver stopped")
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		sess.HandleInbound(ctx, msg)
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
