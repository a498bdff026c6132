package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// Secret names looked up in every provider
const (
	SecretJWTPrimary  = "jwt_secret"
	SecretJWTPrevious = "jwt_previous_secret"
)

// PreviousKeyID is the key id under which the rotated-out secret stays valid
const PreviousKeyID = "previous"

// SecretManager retrieves named secrets from a backing store
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// EnvSecretManager reads MEDGATE_<KEY> environment variables (default)
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "MEDGATE_AUTH_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envKey)
	}
	return value, nil
}

// VaultSecretManager reads a KV secret from HashiCorp Vault
type VaultSecretManager struct {
	path   string
	client *api.Client
}

func NewVaultSecretManager(cfg *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Secrets.Vault.Token != "" {
		client.SetToken(cfg.Secrets.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	path := cfg.Secrets.Vault.Path
	if path == "" {
		path = "secret/medgate"
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at path %s", v.path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in Vault secret", key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

// AWSSecretManager reads a JSON secret from AWS Secrets Manager
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretManager(cfg *Config) (*AWSSecretManager, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Secrets.AWS.Region)}
	if cfg.Secrets.AWS.AccessKey != "" && cfg.Secrets.AWS.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.Secrets.AWS.AccessKey,
			cfg.Secrets.AWS.SecretKey,
			"",
		)
	}
	if cfg.Secrets.AWS.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Secrets.AWS.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := cfg.Secrets.AWS.SecretID
	if secretID == "" {
		secretID = "medgate/secrets"
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("AWS secret %s has no string value", a.secretID)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}
	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in AWS secret", key)
	}
	return value, nil
}

// NewSecretManager creates the secret manager selected by configuration
func NewSecretManager(cfg *Config) (SecretManager, error) {
	provider := cfg.Secrets.Provider
	if provider == "" {
		provider = "env"
	}

	switch provider {
	case "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(cfg)
	case "aws":
		return NewAWSSecretManager(cfg)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", provider)
	}
}

// LoadSigningKeys returns the HMAC key set keyed by key id. A secret set
// directly in configuration wins over the provider. The previous secret is
// optional and keeps tokens signed before a rotation verifiable.
func LoadSigningKeys(cfg *Config, manager SecretManager) (map[string][]byte, error) {
	kid := cfg.Auth.JWTKeyID
	if kid == "" {
		kid = "primary"
	}

	primary := cfg.Auth.JWTSecret
	if primary == "" {
		s, err := manager.GetSecret(SecretJWTPrimary)
		if err != nil {
			return nil, fmt.Errorf("failed to load JWT secret: %w", err)
		}
		primary = s
	}
	if err := ValidateJWTSecret(primary); err != nil {
		return nil, err
	}

	keys := map[string][]byte{kid: []byte(primary)}
	if previous, err := manager.GetSecret(SecretJWTPrevious); err == nil && previous != "" {
		if err := ValidateJWTSecret(previous); err != nil {
			return nil, fmt.Errorf("previous JWT secret: %w", err)
		}
		keys[PreviousKeyID] = []byte(previous)
	}
	return keys, nil
}
