package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"edgevideo.ai/edge-wallet/internal/aws"
	"edgevideo.ai/edge-wallet/internal/backend"
	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/ethrpc"
	"edgevideo.ai/edge-wallet/internal/http"
	"edgevideo.ai/edge-wallet/internal/identity"
	"edgevideo.ai/edge-wallet/internal/metrics"
	"edgevideo.ai/edge-wallet/internal/starter"
	"edgevideo.ai/edge-wallet/internal/store"
	"edgevideo.ai/edge-wallet/internal/verifier"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/internal/walletconnect"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

func main() {
	app := &cli.App{
		Name:  "edge-wallet",
		Usage: "wallet connection and ownership verification for Edge Video AI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path of the yaml configuration",
				Value:   "config.yaml",
				EnvVars: []string{"EDGE_WALLET_CONFIG"},
			},
		},
		Before: setup,
		After: func(*cli.Context) error {
			errors.FlushReporters()
			return nil
		},
		Commands: []*cli.Command{initCmd, sessionCmd, verifierCmd, identityTokenCmd},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup reads the configuration and wires logging and error reporting.
func setup(cctx *cli.Context) error {
	if cctx.Args().First() == initCmd.Name {
		return nil
	}
	conf, err := config.Read(cctx.String("config"))
	if err != nil {
		return err
	}
	if aws.NeedsSSM(conf) {
		clients, err := aws.NewClients(cctx.Context, conf.Aws.Region)
		if err != nil {
			return err
		}
		if err := clients.ResolveSecrets(cctx.Context, conf); err != nil {
			return err
		}
	}
	log.SetLevelName(conf.LogLevel)
	if conf.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := errors.NewSentryReporter(conf.SentryDSN, conf.Environment); err != nil {
		log.Warnf("sentry reporter: %v", err)
	}
	if conf.LarkAlarmWebhook != "" {
		errors.NewLarkReporter(conf.LarkAlarmWebhook, "edge-wallet "+conf.Environment, time.Minute)
	}
	return nil
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "write a configuration file with the defaults",
	Action: func(cctx *cli.Context) error {
		path := cctx.String("config")
		if _, err := os.Stat(path); err == nil {
			return errors.Errorf("%s already exists", path)
		}
		return config.Write(path, config.Default())
	},
}

var sessionCmd = &cli.Command{
	Name:  "session",
	Usage: "run the wallet manager behind the session api",
	Action: func(cctx *cli.Context) error {
		return runSession(cctx.Context, config.Global)
	},
}

func runSession(ctx context.Context, conf *config.Configuration) (err error) {
	defer func() {
		if i := recover(); i != nil {
			err = errors.ErrorfAndReport("%v", i)
		}
	}()
	sc := conf.Session

	s, err := store.Open(ctx, conf.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		provider wallet.Provider
		opts     []http.Option
	)
	switch sc.Provider {
	case "walletconnect":
		wc := walletconnect.NewProvider(sc.WalletConnect)
		defer wc.Close()
		provider = wc
		opts = append(opts, http.WithPairing(wc))
	case "ethrpc":
		rpc, err := ethrpc.Dial(ctx, sc.EthRPC)
		if err != nil {
			return err
		}
		defer rpc.Close()
		provider = rpc
	default:
		return errors.Errorf("unknown wallet provider %q", sc.Provider)
	}

	id := identity.FromConfig(ctx, sc.Identity)
	if holder, ok := id.(*identity.Holder); ok {
		opts = append(opts, http.WithIdentity(holder))
	}
	m := metrics.New()
	opts = append(opts, http.WithMetrics(m))

	manager := wallet.NewManager(provider, backend.NewClient(sc.Backend.BaseURL, sc.Backend.Timeout), id, s,
		wallet.WithConnectTimeout(sc.ConnectTimeout),
		wallet.WithKeyPrefix(conf.Store.KeyPrefix),
		wallet.WithMessage(sc.Domain, sc.URI, sc.Statement),
		wallet.WithObserver(m.Observe),
	)
	manager.Initialize(ctx)
	defer manager.Close()

	st, err := manager.RestoreState(ctx)
	if err != nil {
		log.Warnf("restore wallet state: %v", err)
	} else if st.IsConnected {
		log.Infof("restored wallet %s on chain %d, verified %v", st.Account, st.ChainID, st.IsVerified)
	}

	stop := starter.Start(ctx, http.NewServer(sc.Listen, manager, opts...))
	defer stop()
	starter.WaitForSignal(ctx)
	return nil
}

var verifierCmd = &cli.Command{
	Name:  "verifier",
	Usage: "run the reference wallet verification api",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		svc, release, err := verifier.Setup(ctx, config.Global.Verifier, metrics.New())
		if err != nil {
			return err
		}
		defer release()
		stop := starter.Start(ctx, svc)
		defer stop()
		starter.WaitForSignal(ctx)
		return nil
	},
}

var identityTokenCmd = &cli.Command{
	Name:      "identity-token",
	Usage:     "sign a bearer token accepted by the verifier, for local runs",
	ArgsUsage: "<subject>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
	},
	Action: func(cctx *cli.Context) error {
		subject := cctx.Args().First()
		if subject == "" {
			return errors.New("subject is required")
		}
		secret := config.Global.Verifier.IdentitySecret
		if secret == "" {
			return errors.New("verifier identity_secret is not configured")
		}
		token, err := verifier.IssueIdentityToken(secret, subject, cctx.Duration("ttl"), time.Now())
		if err != nil {
			return err
		}
		_, err = os.Stdout.WriteString(token + "\n")
		return err
	},
}
