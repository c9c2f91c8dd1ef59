package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress returns host:port of a redis credential.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel         string   `yaml:"log_level"`
	Environment      string   `yaml:"environment"`
	SentryDSN        string   `yaml:"sentry_dsn"`
	LarkAlarmWebhook string   `yaml:"lark_alarm_webhook"`
	Aws              Aws      `yaml:"aws"`
	Session          Session  `yaml:"session"`
	Store            Store    `yaml:"store"`
	Verifier         Verifier `yaml:"verifier"`
}

// Aws locates the SSM parameters that values written as ssm:<name> refer to.
type Aws struct {
	Region string `yaml:"region"`
}

// Session configures the wallet connection manager and its session API.
type Session struct {
	Listen         string        `yaml:"listen"`
	Domain         string        `yaml:"domain"`
	URI            string        `yaml:"uri"`
	Statement      string        `yaml:"statement"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Provider is walletconnect or ethrpc.
	Provider      string        `yaml:"provider"`
	WalletConnect WalletConnect `yaml:"walletconnect"`
	EthRPC        EthRPC        `yaml:"ethrpc"`
	Backend       Backend       `yaml:"backend"`
	Identity      Identity      `yaml:"identity"`
}

type WalletConnect struct {
	BridgeURL   string   `yaml:"bridge_url"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	URL         string   `yaml:"url"`
	Icons       []string `yaml:"icons"`
}

type EthRPC struct {
	Endpoint         string        `yaml:"endpoint"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type Backend struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Identity holds either a static bearer token or an oauth2 client with its token.
type Identity struct {
	StaticToken string      `yaml:"static_token"`
	Credential  Credential  `yaml:"credential"`
	Oauth2Token Oauth2Token `yaml:"oauth2_token"`
}

type Credential struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	AuthURI      string   `yaml:"auth_uri"`
	TokenURI     string   `yaml:"token_uri"`
	Scopes       []string `yaml:"scopes"`
}

type Oauth2Token struct {
	AccessToken  string    `yaml:"access_token"`
	TokenType    string    `yaml:"token_type"`
	RefreshToken string    `yaml:"refresh_token"`
	Expiry       time.Time `yaml:"expiry"`
}

// Store selects the key-value store used for persisted wallet records.
type Store struct {
	// Driver is leveldb, redis or memory.
	Driver    string       `yaml:"driver"`
	Path      string       `yaml:"path"`
	KeyPrefix string       `yaml:"key_prefix"`
	Redis     DBCredential `yaml:"redis"`
}

// Verifier configures the reference verification service.
type Verifier struct {
	Listen             string        `yaml:"listen"`
	Domain             string        `yaml:"domain"`
	IdentitySecret     string        `yaml:"identity_secret"`
	TokenSecret        string        `yaml:"token_secret"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	NonceTTL           time.Duration `yaml:"nonce_ttl"`
	NonceRatePerMinute int           `yaml:"nonce_rate_per_minute"`
	Redis              DBCredential  `yaml:"redis"`
	Database           Database      `yaml:"database"`
	KafkaServer        string        `yaml:"kafka-server"`
	VerifiedTopic      string        `yaml:"verified_topic"`
}

// Database picks the audit database, postgres uses Postgres, sqlite uses DSN.
type Database struct {
	Driver   string       `yaml:"driver"`
	DSN      string       `yaml:"dsn"`
	Postgres DBCredential `yaml:"postgres"`
}

// Default returns a configuration good enough for a local run.
func Default() *Configuration {
	return &Configuration{
		LogLevel:    "info",
		Environment: "local",
		Session: Session{
			Listen:         ":8080",
			Domain:         "edgevideo.ai",
			URI:            "https://edgevideo.ai",
			Statement:      "Sign this message to prove you own this wallet. It costs nothing.",
			ConnectTimeout: 60 * time.Second,
			Provider:       "walletconnect",
			WalletConnect: WalletConnect{
				Name:        "Edge Video AI",
				Description: "Shoppable TV wallet connection",
				URL:         "https://edgevideo.ai",
			},
			EthRPC: EthRPC{
				Endpoint:         "http://127.0.0.1:1248",
				PollInterval:     2 * time.Second,
				FailureThreshold: 3,
			},
			Backend: Backend{
				BaseURL: "http://127.0.0.1:8090/api",
				Timeout: 15 * time.Second,
			},
		},
		Store: Store{
			Driver:    "leveldb",
			Path:      "data/wallet",
			KeyPrefix: "edge-wallet:",
		},
		Verifier: Verifier{
			Listen:             ":8090",
			Domain:             "edgevideo.ai",
			TokenTTL:           24 * time.Hour,
			NonceTTL:           5 * time.Minute,
			NonceRatePerMinute: 10,
			Database:           Database{Driver: "sqlite", DSN: "file:verifier.db"},
			VerifiedTopic:      "wallet_verified",
		},
	}
}

// fillDefaults copies defaults into zero fields the file left out.
func (c *Configuration) fillDefaults() {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	s, ds := &c.Session, d.Session
	if s.Listen == "" {
		s.Listen = ds.Listen
	}
	if s.Domain == "" {
		s.Domain = ds.Domain
	}
	if s.URI == "" {
		s.URI = ds.URI
	}
	if s.Statement == "" {
		s.Statement = ds.Statement
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = ds.ConnectTimeout
	}
	if s.Provider == "" {
		s.Provider = ds.Provider
	}
	if s.WalletConnect.Name == "" {
		s.WalletConnect = ds.WalletConnect
	}
	if s.EthRPC.Endpoint == "" {
		s.EthRPC.Endpoint = ds.EthRPC.Endpoint
	}
	if s.EthRPC.PollInterval <= 0 {
		s.EthRPC.PollInterval = ds.EthRPC.PollInterval
	}
	if s.EthRPC.FailureThreshold <= 0 {
		s.EthRPC.FailureThreshold = ds.EthRPC.FailureThreshold
	}
	if s.Backend.BaseURL == "" {
		s.Backend.BaseURL = ds.Backend.BaseURL
	}
	if s.Backend.Timeout <= 0 {
		s.Backend.Timeout = ds.Backend.Timeout
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = d.Store.KeyPrefix
	}
	v, dv := &c.Verifier, d.Verifier
	if v.Listen == "" {
		v.Listen = dv.Listen
	}
	if v.Domain == "" {
		v.Domain = dv.Domain
	}
	if v.TokenTTL <= 0 {
		v.TokenTTL = dv.TokenTTL
	}
	if v.NonceTTL <= 0 {
		v.NonceTTL = dv.NonceTTL
	}
	if v.NonceRatePerMinute <= 0 {
		v.NonceRatePerMinute = dv.NonceRatePerMinute
	}
	if v.Database.Driver == "" {
		v.Database = dv.Database
	}
	if v.VerifiedTopic == "" {
		v.VerifiedTopic = dv.VerifiedTopic
	}
}

var Global *Configuration

// Read loads the yaml file at path, fills defaults and sets Global.
func Read(path string) (*Configuration, error) {
	log.Infof("Loading configuration file from %s", path)
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("file %s does not exist", path)
		}
		return nil, errors.Wrap(err, "read config file")
	}
	conf := Configuration{}
	if err := yaml.Unmarshal(dat, &conf); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	conf.fillDefaults()
	Global = &conf
	return &conf, nil
}

// Write stores c as yaml, used to scaffold a config file.
func Write(path string, c *Configuration) error {
	dat, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return ioutil.WriteFile(path, dat, 0600)
}
