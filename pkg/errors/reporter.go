package errors

import (
	"os"
	"sync"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/getsentry/sentry-go"

	"edgevideo.ai/edge-wallet/pkg/log"
)

// Reporters are skipped while this environment variable is set.
const debugMode = "DEBUG"

var (
	reportersLk sync.RWMutex
	reporters   []Reporter
)

// Reporter sends errors to an external tracker.
type Reporter interface {
	Report(error)
}

// AddReporter registers r for every *AndReport call.
func AddReporter(r Reporter) {
	reportersLk.Lock()
	defer reportersLk.Unlock()
	reporters = append(reporters, r)
}

// ResetReporters drops every registered reporter.
func ResetReporters() {
	reportersLk.Lock()
	defer reportersLk.Unlock()
	reporters = nil
}

func report(err error) {
	if err == nil || os.Getenv(debugMode) != "" {
		return
	}
	reportersLk.RLock()
	current := make([]Reporter, len(reporters))
	copy(current, reporters)
	reportersLk.RUnlock()
	for _, r := range current {
		r.Report(err)
	}
}

type sentryReporter struct{}

func (s *sentryReporter) Report(err error) {
	sentry.CaptureException(err)
}

// NewSentryReporter initializes the sentry SDK and registers it as a reporter.
// An empty DSN leaves sentry disabled.
func NewSentryReporter(sentryDSN, environment string) error {
	if sentryDSN == "" {
		log.Warn("empty DSN found, skipping sentry reporter initialization.")
		return nil
	}
	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		return Wrap(err, "init sentry CA")
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:         sentryDSN,
		Environment: environment,
		CaCerts:     rootCAs,
	})
	if err != nil {
		return Wrap(err, "init sentry")
	}
	AddReporter(&sentryReporter{})
	log.Info("sentry error reporter initialized.")
	return nil
}

// FlushReporters waits for buffered sentry events before the process exits.
func FlushReporters() {
	sentry.Flush(2 * time.Second)
}
