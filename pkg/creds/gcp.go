package creds

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"tradedesk/pkg/models"
)

// SecretNames maps the store's fields onto Secret Manager secret ids.
type SecretNames struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		APIKey:    "tradedesk-venue-api-key",
		APISecret: "tradedesk-venue-api-secret",
	}
}

// GCPSecretManager reads venue credentials out of GCP Secret Manager so they
// never have to live in a config file.
type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	log       *logrus.Logger
}

func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, log *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return &GCPSecretManager{client: client, projectID: projectID, log: log}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)
	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.log.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return value
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// LoadInto seeds the store from Secret Manager, leaving any field already set
// by config or environment alone.
func (g *GCPSecretManager) LoadInto(ctx context.Context, store *Store, names SecretNames, network models.Network) {
	current := store.Credentials()
	if current.Key == "" {
		current.Key = g.GetSecretWithDefault(ctx, names.APIKey, "")
	}
	if current.Secret == "" {
		current.Secret = g.GetSecretWithDefault(ctx, names.APISecret, "")
	}
	if current.Network == "" {
		current.Network = network
	}
	if !current.Empty() {
		store.Set(current)
		g.log.Info("Loaded venue credentials from GCP Secret Manager")
	}
}
