package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/compute/metadata"
	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
)

var signingScopes = []string{
	"https://www.googleapis.com/auth/devstorage.read_only",
	"https://www.googleapis.com/auth/cloud-platform",
}

// Signer produces V4 signed URLs for bucket objects. With a local service
// account key file it signs directly; otherwise it calls the IAM Credentials
// SignBlob API as the resolved principal, which is how signing works on
// workloads that only carry access tokens.
type Signer struct {
	email       string
	privateKey  []byte
	credsClient *iamcredentials.Service
	signTimeout time.Duration
}

// NewSigner resolves the signing identity and prepares the signing backend.
func NewSigner(ctx context.Context, cfg config.StorageConfig) (*Signer, error) {
	log := logger.Named("storage.signer")

	if cfg.CredentialsFile != "" {
		email, key, err := keyFromFile(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if key != nil {
			log.Info("signing locally with service account key", "email", email)
			return &Signer{email: email, privateKey: key, signTimeout: cfg.SignTimeout}, nil
		}
		// Key files without private_key (external accounts) fall through to
		// the SignBlob path.
	}

	email, err := resolvePrincipal(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokenSource, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
		TargetPrincipal: email,
		Scopes:          signingScopes,
		Lifetime:        time.Hour,
	})
	if err != nil {
		return nil, errors.NewStorageError("impersonate", err, false)
	}
	credsClient, err := iamcredentials.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, errors.NewStorageError("iamcredentials client", err, false)
	}

	log.Info("signing via IAM Credentials SignBlob", "email", email)
	return &Signer{email: email, credsClient: credsClient, signTimeout: cfg.SignTimeout}, nil
}

// Email returns the signing principal.
func (s *Signer) Email() string {
	return s.email
}

// SignedURL returns a V4 signed URL for the object, valid until expires.
func (s *Signer) SignedURL(bucket, object, method string, expires time.Time) (string, error) {
	opts := &gcs.SignedURLOptions{
		Scheme:         gcs.SigningSchemeV4,
		Method:         method,
		GoogleAccessID: s.email,
		Expires:        expires,
	}
	if s.privateKey != nil {
		opts.PrivateKey = s.privateKey
	} else {
		opts.SignBytes = s.signBlob
	}

	url, err := gcs.SignedURL(bucket, object, opts)
	if err != nil {
		return "", errors.NewStorageError("sign url", err, true).
			WithContext("object", object)
	}
	return url, nil
}

// signBlob signs via the IAM Credentials API as the resolved principal.
func (s *Signer) signBlob(payload []byte) ([]byte, error) {
	timeout := s.signTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	name := "projects/-/serviceAccounts/" + s.email
	resp, err := s.credsClient.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("iamcredentials SignBlob: %w", err)
	}
	return base64.StdEncoding.DecodeString(resp.SignedBlob)
}

// resolvePrincipal picks the signing service account: explicit configuration,
// then the metadata server identity, then the ADC client email.
func resolvePrincipal(ctx context.Context, cfg config.StorageConfig) (string, error) {
	if cfg.ServiceAccount != "" {
		return cfg.ServiceAccount, nil
	}
	if metadata.OnGCE() {
		if email, err := metadata.EmailWithContext(ctx, "default"); err == nil && email != "" {
			return email, nil
		}
	}
	creds, err := google.FindDefaultCredentials(ctx, signingScopes...)
	if err != nil {
		return "", errors.NewStorageError("resolve signing principal", err, false)
	}
	if email := emailFromCredentialsJSON(creds.JSON); email != "" {
		return email, nil
	}
	return "", errors.New(errors.KindStorage,
		"no signing service account configured and none derivable from credentials")
}

func keyFromFile(path string) (email string, key []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.NewStorageError("read credentials file", err, false)
	}
	var parsed struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, errors.NewStorageError("parse credentials file", err, false)
	}
	if parsed.Type != "service_account" || parsed.PrivateKey == "" {
		return parsed.ClientEmail, nil, nil
	}
	return parsed.ClientEmail, []byte(parsed.PrivateKey), nil
}

func emailFromCredentialsJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var parsed struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ""
	}
	return parsed.ClientEmail
}
