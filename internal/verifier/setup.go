package verifier

import (
	"context"

	"edgevideo.ai/edge-wallet/internal/cache"
	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/database"
	"edgevideo.ai/edge-wallet/internal/databus"
	"edgevideo.ai/edge-wallet/internal/metrics"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// Setup connects the audit database and, when configured, redis and kafka.
// The returned release closes them.
func Setup(ctx context.Context, conf config.Verifier, m *metrics.Metrics) (*Service, func(), error) {
	if conf.IdentitySecret == "" || conf.TokenSecret == "" {
		return nil, nil, errors.New("verifier needs identity_secret and token_secret")
	}
	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := database.Connect(ctx, conf.Database)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { database.Close(db) })

	opts := []Option{WithMetrics(m)}
	var nonces NonceStore = NewMemoryNonces(nil)
	if cache.Configured(&conf.Redis) {
		client, err := cache.Connect(ctx, &conf.Redis)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		nonces = NewRedisNonces(client, "edge-wallet:")
		opts = append(opts, WithRateLimiter(cache.NewRateLimiter(client)))
	} else {
		log.Warn("verifier redis not configured, nonces are kept in memory and not rate limited")
	}

	if conf.KafkaServer != "" {
		bus, err := databus.Dial(conf.KafkaServer)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := bus.Close(); err != nil {
				log.Warn(err)
			}
		})
		opts = append(opts, WithDataBus(bus))
	}
	return New(conf, nonces, db, opts...), release, nil
}
