package wallet

import "time"

const (
	defaultConnectTimeout = 60 * time.Second
	defaultVerifyTimeout  = 3 * time.Minute
	defaultKeyPrefix      = "edge-wallet:"
)

// Observer is called once per public operation with its outcome.
type Observer func(op string, elapsed time.Duration, err error)

type options struct {
	connectTimeout time.Duration
	verifyTimeout  time.Duration
	keyPrefix      string
	domain         string
	uri            string
	statement      string
	now            func() time.Time
	observer       Observer
}

type Option func(*options)

// WithConnectTimeout bounds the wait for the user to grant account access.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithVerifyTimeout bounds a whole verification, including the signature prompt.
func WithVerifyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.verifyTimeout = d
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithMessage sets the domain, uri and statement embedded in the signing message.
func WithMessage(domain, uri, statement string) Option {
	return func(o *options) {
		o.domain = domain
		o.uri = uri
		o.statement = statement
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

func defaultOptions() options {
	return options{
		connectTimeout: defaultConnectTimeout,
		verifyTimeout:  defaultVerifyTimeout,
		keyPrefix:      defaultKeyPrefix,
		domain:         "edgevideo.ai",
		uri:            "https://edgevideo.ai",
		statement:      "Sign this message to prove you own this wallet. It costs nothing.",
		now:            time.Now,
	}
}
