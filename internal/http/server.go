// Package http is the session API a UI drives the wallet manager through.
package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"edgevideo.ai/edge-wallet/internal/chains"
	"edgevideo.ai/edge-wallet/internal/identity"
	"edgevideo.ai/edge-wallet/internal/metrics"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
	"edgevideo.ai/edge-wallet/pkg/log/middleware"
)

const (
	// verification waits for a signature prompt, the manager bounds it at three minutes
	walletRequestTimeout = 4 * time.Minute
	eventWriteTimeout    = 10 * time.Second
	defaultQRSize        = 256
)

// Pairing is implemented by providers that pair through a QR code.
type Pairing interface {
	PairingURI() string
	QRCode(size int) ([]byte, error)
}

type Server struct {
	listen   string
	manager  *wallet.Manager
	pairing  Pairing
	identity *identity.Holder
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	server *http.Server
	// done is closed by Stop, hijacked event streams are not tracked by Shutdown
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Server)

func WithPairing(p Pairing) Option {
	return func(s *Server) { s.pairing = p }
}

// WithIdentity lets the UI hand over the bearer token after the user signs in.
func WithIdentity(h *identity.Holder) Option {
	return func(s *Server) { s.identity = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(listen string, manager *wallet.Manager, opts ...Option) *Server {
	s := &Server{
		listen:  listen,
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog())

	// the event stream outlives any request timeout
	router.GET("/wallet/events", s.events)

	g := router.Group("/wallet", middleware.TimeoutHTTP(walletRequestTimeout))
	g.GET("/state", s.state)
	g.POST("/connect", s.connect)
	g.POST("/verify", s.verify)
	g.POST("/disconnect", s.disconnect)
	g.POST("/restore", s.restore)
	g.GET("/pairing", s.pairingQR)
	g.PUT("/identity", s.setIdentity)
	g.DELETE("/identity", s.clearIdentity)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return router
}

func (s *Server) Start(ctx context.Context) {
	s.server = &http.Server{
		Addr:    s.listen,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		log.Infof("session api listening on %s", s.listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("session api server: %v", err)
		}
	}()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warnf("session api shutdown: %v", err)
	}
}

var statuses = map[string]int{
	"not_authenticated":       http.StatusUnauthorized,
	"wallet_not_connected":    http.StatusConflict,
	"provider_unavailable":    http.StatusServiceUnavailable,
	"connection_cancelled":    http.StatusConflict,
	"connection_timeout":      http.StatusGatewayTimeout,
	"signature_rejected":      http.StatusConflict,
	"nonce_fetch_failed":      http.StatusBadGateway,
	"verification_rejected":   http.StatusForbidden,
	"network_failure":         http.StatusBadGateway,
	"account_changed":         http.StatusConflict,
	"invalid_persisted_state": http.StatusInternalServerError,
	"user_rejected":           http.StatusConflict,
}

func (s *Server) reply(ctx *gin.Context, st wallet.State, err error) {
	if err == nil {
		ctx.JSON(http.StatusOK, gin.H{"code": "ok", "state": st, "chain": chains.Name(st.ChainID)})
		return
	}
	code := wallet.Code(err)
	status, ok := statuses[code]
	switch {
	case ok:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		code, status = "request_timeout", http.StatusRequestTimeout
	default:
		log.Error(errors.WrapAndReport(err, "wallet request "+ctx.FullPath()))
		status = http.StatusInternalServerError
	}
	ctx.AbortWithStatusJSON(status, gin.H{"code": code, "msg": err.Error(), "state": st})
}

// state waits for queued provider events so the answer reflects them.
func (s *Server) state(ctx *gin.Context) {
	err := s.manager.Settle(ctx.Request.Context())
	s.reply(ctx, s.manager.State(), err)
}

func (s *Server) connect(ctx *gin.Context) {
	st, err := s.manager.Connect(ctx.Request.Context())
	s.reply(ctx, st, err)
}

func (s *Server) verify(ctx *gin.Context) {
	st, err := s.manager.Verify(ctx.Request.Context())
	s.reply(ctx, st, err)
}

func (s *Server) disconnect(ctx *gin.Context) {
	err := s.manager.Disconnect(ctx.Request.Context())
	s.reply(ctx, s.manager.State(), err)
}

func (s *Server) restore(ctx *gin.Context) {
	st, err := s.manager.RestoreState(ctx.Request.Context())
	s.reply(ctx, st, err)
}

func (s *Server) pairingQR(ctx *gin.Context) {
	if s.pairing == nil {
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "not_found", "msg": "provider does not pair by qr code"})
		return
	}
	if ctx.Query("format") == "uri" {
		ctx.JSON(http.StatusOK, gin.H{"code": "ok", "uri": s.pairing.PairingURI()})
		return
	}
	size := defaultQRSize
	if v := ctx.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > 2048 {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "msg": "size must be within 64 and 2048"})
			return
		}
		size = n
	}
	png, err := s.pairing.QRCode(size)
	if err != nil {
		s.reply(ctx, s.manager.State(), err)
		return
	}
	ctx.Data(http.StatusOK, "image/png", png)
}

func (s *Server) setIdentity(ctx *gin.Context) {
	if s.identity == nil {
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "not_found", "msg": "identity is configured statically"})
		return
	}
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "msg": err.Error()})
		return
	}
	s.identity.Set(body.Token)
	ctx.JSON(http.StatusOK, gin.H{"code": "ok"})
}

func (s *Server) clearIdentity(ctx *gin.Context) {
	if s.identity == nil {
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "not_found", "msg": "identity is configured statically"})
		return
	}
	s.identity.Clear()
	ctx.JSON(http.StatusOK, gin.H{"code": "ok"})
}

// events streams the state over a websocket: once on connect, then after every change.
// Subscribers run under the manager gate, so the callback only flags a change
// and the latest snapshot is read when writing.
func (s *Server) events(ctx *gin.Context) {
	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Warnf("events upgrade: %v", err)
		return
	}
	defer conn.Close()

	changed := make(chan struct{}, 1)
	changed <- struct{}{}
	unsubscribe := s.manager.Subscribe(func(wallet.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-s.done:
			goingAway(conn, "server stopping")
			return
		case <-ctx.Request.Context().Done():
			goingAway(conn, "request cancelled")
			return
		case <-changed:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(s.manager.State()); err != nil {
				log.Debugf("events write: %v", err)
				return
			}
		}
	}
}

func goingAway(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
