package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrEmptySecret = errors.New("secret has no value")

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Loader reads JSON documents stored in AWS Secrets Manager.
type Loader struct {
	api SecretsManagerAPI
}

// NewLoader returns a Loader reading from api.
func NewLoader(api SecretsManagerAPI) *Loader {
	return &Loader{api: api}
}

// NewAWSLoader builds a Loader from the default AWS credential chain.
func NewAWSLoader(ctx context.Context, region string) (*Loader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewLoader(secretsmanager.NewFromConfig(cfg)), nil
}

// GetJSON fetches the secret called name and decodes its value into v.
// Both string and binary secrets are accepted.
func (l *Loader) GetJSON(ctx context.Context, name string, v any) error {
	out, err := l.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return fmt.Errorf("get secret %s: %w", name, err)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(aws.ToString(out.SecretString))
	case len(out.SecretBinary) > 0:
		raw = out.SecretBinary
	default:
		return fmt.Errorf("get secret %s: %w", name, ErrEmptySecret)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

// SASLCredentials is the layout of a log broker credential secret.
type SASLCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ClientCredentials is the layout of an OAuth2 client secret.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}
