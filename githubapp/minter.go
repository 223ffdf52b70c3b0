// Package githubapp covers the two GitHub-facing credential concerns: the
// app-identity TokenMinter, which turns the App's private key into a scoped
// installation token, and the OAuthExchange, which turns a browser OAuth
// code into a user identity.
package githubapp

import (
	"context"
	"crypto/rsa"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"

	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/internal/gh"
)

const (
	// GitHub rejects app assertions valid for more than 10 minutes; stay
	// safely under the ceiling and backdate iat to absorb clock skew.
	assertionClockSkew = 60 * time.Second
	assertionLifetime  = 9 * time.Minute
)

// TokenMinter creates signed app-identity assertions and exchanges them for
// installation tokens. Nothing is cached: installation tokens are remotely
// revocable and short-lived, so every publish mints fresh.
type TokenMinter struct {
	appID          int64
	privateKey     *rsa.PrivateKey
	installationID int64 // 0 means resolve via the API per repository
	apiBaseURL     string
	nowTime        func() time.Time
}

// MinterOption modifies a TokenMinter instance.
type MinterOption func(*TokenMinter)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) MinterOption {
	return func(m *TokenMinter) {
		m.nowTime = nowFunc
	}
}

// NewTokenMinter initializes a TokenMinter from the loaded configuration.
func NewTokenMinter(cfg *config.Config, options ...MinterOption) (*TokenMinter, error) {
	if cfg.GitHubAppID <= 0 {
		return nil, errors.New("[NewTokenMinter] GitHub App ID is required")
	}
	if cfg.GitHubAppPrivateKey == nil {
		return nil, errors.New("[NewTokenMinter] GitHub App private key is required")
	}

	minter := &TokenMinter{
		appID:          cfg.GitHubAppID,
		privateKey:     cfg.GitHubAppPrivateKey,
		installationID: cfg.GitHubAppInstallationID,
		apiBaseURL:     cfg.GitHubAPIBaseURL,
		nowTime:        time.Now,
	}
	for _, opt := range options {
		opt(minter)
	}
	return minter, nil
}

// MintAppAssertion builds and signs the short-lived RS256 JWT that proves
// the application's identity to GitHub.
func (m *TokenMinter) MintAppAssertion() (string, error) {
	now := m.nowTime()
	claims := jwtlib.RegisteredClaims{
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-assertionClockSkew)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(assertionLifetime)),
		Issuer:    strconv.FormatInt(m.appID, 10),
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "[TokenMinter.MintAppAssertion] sign assertion")
	}
	return signed, nil
}

// ResolveInstallation finds the installation id bound to the target
// repository. A statically configured id wins; otherwise the installation
// is looked up under the app assertion.
func (m *TokenMinter) ResolveInstallation(ctx context.Context, owner, repo, appAssertion string) (int64, error) {
	if m.installationID > 0 {
		return m.installationID, nil
	}

	client, err := gh.NewClient(appAssertion, m.apiBaseURL)
	if err != nil {
		return 0, errors.Wrap(err, "[TokenMinter.ResolveInstallation] build client")
	}

	var installation *github.Installation
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		installation, resp, apiErr = client.Apps.FindRepositoryInstallation(ctx, owner, repo)
		return gh.WrapAPIError("resolve installation", resp, apiErr)
	})
	if err != nil {
		return 0, err
	}
	if installation.GetID() == 0 {
		return 0, errors.New("[TokenMinter.ResolveInstallation] no installation for target repository")
	}
	return installation.GetID(), nil
}

// MintInstallationToken produces a fresh repository-scoped write credential
// for the repository's installation.
func (m *TokenMinter) MintInstallationToken(ctx context.Context, owner, repo string) (string, error) {
	assertion, err := m.MintAppAssertion()
	if err != nil {
		return "", err
	}

	installationID, err := m.ResolveInstallation(ctx, owner, repo, assertion)
	if err != nil {
		return "", err
	}

	client, err := gh.NewClient(assertion, m.apiBaseURL)
	if err != nil {
		return "", errors.Wrap(err, "[TokenMinter.MintInstallationToken] build client")
	}

	var installationToken *github.InstallationToken
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		installationToken, resp, apiErr = client.Apps.CreateInstallationToken(ctx, installationID, nil)
		return gh.WrapAPIError("create installation token", resp, apiErr)
	})
	if err != nil {
		return "", err
	}
	if installationToken.GetToken() == "" {
		return "", errors.New("[TokenMinter.MintInstallationToken] empty installation token")
	}
	return installationToken.GetToken(), nil
}
