// Package aws resolves configuration secrets kept in the SSM parameter store.
package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// SSMPrefix marks a configuration value as the name of an SSM parameter.
const SSMPrefix = "ssm:"

type parameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Clients struct {
	ssmClient parameterGetter
}

func NewClients(ctx context.Context, region string) (*Clients, error) {
	if region == "" {
		return nil, errors.New("aws region not present")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws sdk config")
	}
	return &Clients{ssmClient: ssm.NewFromConfig(cfg)}, nil
}

func (s *Clients) GetParameterFromSSM(ctx context.Context, paramName string) (string, error) {
	input := &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: true,
	}
	parameter, err := s.ssmClient.GetParameter(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "query parameter %s from ssm", paramName)
	}
	if parameter.Parameter == nil || parameter.Parameter.Value == nil {
		return "", errors.Errorf("ssm parameter %s has no value", paramName)
	}
	return *parameter.Parameter.Value, nil
}

// secretFields are the configuration values that may be kept in SSM.
func secretFields(c *config.Configuration) []*string {
	return []*string{
		&c.SentryDSN,
		&c.LarkAlarmWebhook,
		&c.Session.Identity.StaticToken,
		&c.Session.Identity.Credential.ClientSecret,
		&c.Session.Identity.Oauth2Token.AccessToken,
		&c.Session.Identity.Oauth2Token.RefreshToken,
		&c.Store.Redis.Password,
		&c.Verifier.IdentitySecret,
		&c.Verifier.TokenSecret,
		&c.Verifier.Redis.Password,
		&c.Verifier.Database.Postgres.Password,
	}
}

// NeedsSSM reports whether any secret of c refers to an SSM parameter.
func NeedsSSM(c *config.Configuration) bool {
	for _, field := range secretFields(c) {
		if strings.HasPrefix(*field, SSMPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every ssm:<name> secret of c with the parameter value.
func (s *Clients) ResolveSecrets(ctx context.Context, c *config.Configuration) error {
	for _, field := range secretFields(c) {
		name := strings.TrimPrefix(*field, SSMPrefix)
		if name == *field {
			continue
		}
		value, err := s.GetParameterFromSSM(ctx, name)
		if err != nil {
			return err
		}
		log.Debugf("resolved secret %s from ssm", name)
		*field = value
	}
	return nil
}
