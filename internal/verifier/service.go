// Package verifier is the reference wallet verification API: it hands out
// single-use nonces and exchanges a signed sign-in message for a verification token.
package verifier

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v9"
	"gorm.io/gorm"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/database"
	"edgevideo.ai/edge-wallet/internal/databus"
	"edgevideo.ai/edge-wallet/internal/metrics"
	"edgevideo.ai/edge-wallet/internal/signmsg"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
	"edgevideo.ai/edge-wallet/pkg/log/middleware"
)

const (
	requestTimeout = 30 * time.Second
	rateKeyPrefix  = "edge-wallet:nonce-rate:"
)

type Service struct {
	conf    config.Verifier
	nonces  NonceStore
	db      *gorm.DB
	limiter *redis_rate.Limiter
	bus     *databus.DataBus
	metrics *metrics.Metrics
	now     func() time.Time

	server *http.Server
}

type Option func(*Service)

// WithRateLimiter caps nonce requests per identity at NonceRatePerMinute.
func WithRateLimiter(l *redis_rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithDataBus publishes a wallet verified event per accepted proof.
func WithDataBus(bus *databus.DataBus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(conf config.Verifier, nonces NonceStore, db *gorm.DB, opts ...Option) *Service {
	s := &Service{conf: conf, nonces: nonces, db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog(), middleware.TimeoutHTTP(requestTimeout))
	api := router.Group("/api/wallet")
	api.POST("/nonce", s.nonce)
	api.POST("/verify", s.verify)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return router
}

func (s *Service) Start(ctx context.Context) {
	s.server = &http.Server{
		Addr:    s.conf.Listen,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		log.Infof("verifier listening on %s", s.conf.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("verifier server: %v", err)
		}
	}()
}

func (s *Service) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warnf("verifier shutdown: %v", err)
	}
}

func (s *Service) refuse(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, gin.H{"code": code, "msg": msg})
}

func (s *Service) nonce(ctx *gin.Context) {
	subject, ok := s.subject(ctx)
	if !ok {
		s.refuse(ctx, http.StatusUnauthorized, "not_authenticated", "missing or invalid bearer token")
		return
	}
	if s.limiter != nil && s.conf.NonceRatePerMinute > 0 {
		res, err := s.limiter.Allow(ctx.Request.Context(), rateKeyPrefix+subject,
			redis_rate.PerMinute(s.conf.NonceRatePerMinute))
		if err != nil {
			log.Warnf("nonce rate limit for %s: %v", subject, err)
		} else if res.Allowed == 0 {
			ctx.Header("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
			s.refuse(ctx, http.StatusTooManyRequests, "rate_limited", "too many nonce requests")
			return
		}
	}

	nonce, err := newNonce()
	if err == nil {
		err = s.nonces.Put(ctx.Request.Context(), subject, nonce, s.conf.NonceTTL)
	}
	if err != nil {
		log.Error(errors.WrapAndReport(err, "issue nonce"))
		s.refuse(ctx, http.StatusInternalServerError, "internal", "server internal error")
		return
	}
	if s.metrics != nil {
		s.metrics.NonceIssued()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"nonce":      nonce,
		"expires_at": s.now().Add(s.conf.NonceTTL).UnixMilli(),
	})
}

type verifyRequest struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
}

// rejection is a proof the verifier refuses, reported with success false.
type rejection struct {
	status int
	code   string
	msg    string
}

func (r *rejection) Error() string {
	return r.code + ": " + r.msg
}

func (s *Service) verify(ctx *gin.Context) {
	subject, ok := s.subject(ctx)
	if !ok {
		s.refuse(ctx, http.StatusUnauthorized, "not_authenticated", "missing or invalid bearer token")
		return
	}
	var req verifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.reject(ctx, &rejection{http.StatusBadRequest, "bad_request", err.Error()})
		return
	}

	params, err := s.check(ctx.Request.Context(), subject, req)
	if err == nil {
		err = s.accept(ctx, subject, req, params)
	}
	var rej *rejection
	if errors.As(err, &rej) {
		s.reject(ctx, rej)
		return
	}
	if err != nil {
		log.Error(errors.WrapAndReport(err, "verify wallet"))
		if s.metrics != nil {
			s.metrics.Verification("error")
		}
		s.refuse(ctx, http.StatusInternalServerError, "internal", "server internal error")
	}
}

func (s *Service) reject(ctx *gin.Context, rej *rejection) {
	log.Infof("verification refused: %v", rej)
	if s.metrics != nil {
		s.metrics.Verification(rej.code)
	}
	ctx.AbortWithStatusJSON(rej.status, gin.H{"success": false, "code": rej.code, "message": rej.msg})
}

// check validates the proof. The nonce is consumed before the signature is
// checked so a forged signature burns it.
func (s *Service) check(ctx context.Context, subject string, req verifyRequest) (signmsg.Params, error) {
	if !strings.HasPrefix(req.Address, "0x") || !common.IsHexAddress(req.Address) {
		return signmsg.Params{}, &rejection{http.StatusBadRequest, "bad_address", "address is not a hex account"}
	}
	params, err := signmsg.Parse(req.Message)
	if err != nil {
		return params, &rejection{http.StatusBadRequest, "malformed_message", err.Error()}
	}
	switch {
	case !strings.EqualFold(params.Address, req.Address):
		return params, &rejection{http.StatusUnauthorized, "address_mismatch", "message was not written for this address"}
	case params.Nonce != req.Nonce:
		return params, &rejection{http.StatusUnauthorized, "nonce_mismatch", "message does not carry the submitted nonce"}
	case s.conf.Domain != "" && params.Domain != s.conf.Domain:
		return params, &rejection{http.StatusUnauthorized, "domain_mismatch", "message is for another domain"}
	}

	consumed, err := s.nonces.Consume(ctx, subject, req.Nonce)
	if err != nil {
		return params, err
	}
	if !consumed {
		return params, &rejection{http.StatusUnauthorized, "nonce_invalid", "nonce expired or already used"}
	}
	if !signmsg.SignedBy(req.Address, req.Message, req.Signature) {
		return params, &rejection{http.StatusUnauthorized, "bad_signature", "signature was not made by the address"}
	}
	return params, nil
}

func (s *Service) accept(ctx *gin.Context, subject string, req verifyRequest, params signmsg.Params) error {
	address := strings.ToLower(req.Address)
	token, expiresAt, err := s.issueToken(address, subject, req.Nonce, params.ChainID)
	if err != nil {
		return err
	}
	verifiedAt := s.now().UnixMilli()
	if s.db != nil {
		row := database.WalletVerification{
			Address:    address,
			Nonce:      req.Nonce,
			Subject:    subject,
			ChainID:    params.ChainID,
			Message:    req.Message,
			Signature:  req.Signature,
			VerifiedAt: verifiedAt,
		}
		err := row.Create(ctx.Request.Context(), s.db)
		if database.IsDuplicateKeyErr(err) {
			return &rejection{http.StatusUnauthorized, "nonce_invalid", "nonce already used"}
		}
		if err != nil {
			return err
		}
	}
	if s.bus != nil {
		e := databus.NewWalletVerified(s.conf.VerifiedTopic)
		e.Address, e.Subject, e.ChainID, e.Nonce, e.VerifiedAt = address, subject, params.ChainID, req.Nonce, verifiedAt
		if err := s.bus.Publish(e); err != nil {
			log.Errorf("publish wallet verified %s: %v", address, err)
		}
	}
	if s.metrics != nil {
		s.metrics.Verification("accepted")
	}
	log.Infof("wallet %s verified for %s", address, subject)
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"address":    address,
		"expires_at": expiresAt.UnixMilli(),
	})
	return nil
}
