package githubapp

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/enskill/enskill-server/internal/apperrors"
	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/internal/gh"
)

// OAuthExchange converts a browser authorization code into a user access
// token and a minimal identity (the GitHub login name).
type OAuthExchange struct {
	oauth      oauth2.Config
	apiBaseURL string
}

// NewOAuthExchange wires the exchange against the configured OAuth and API
// endpoints.
func NewOAuthExchange(cfg *config.Config) (*OAuthExchange, error) {
	if cfg.GitHubAppClientID == "" || cfg.GitHubAppClientSecret == "" {
		return nil, errors.New("[NewOAuthExchange] GitHub App client credentials are required")
	}

	return &OAuthExchange{
		oauth: oauth2.Config{
			ClientID:     cfg.GitHubAppClientID,
			ClientSecret: cfg.GitHubAppClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL(),
			Scopes:       []string{"read:user"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.GitHubOAuthBaseURL + "/authorize",
				TokenURL: cfg.GitHubOAuthBaseURL + "/access_token",
			},
		},
		apiBaseURL: cfg.GitHubAPIBaseURL,
	}, nil
}

// AuthorizeURL is the browser URL that starts the consent flow for the
// given state token.
func (e *OAuthExchange) AuthorizeURL(state string) string {
	return e.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for the user's access token.
func (e *OAuthExchange) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gh.RequestTimeout)
	defer cancel()

	token, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return "", &apperrors.UpstreamError{
				Operation:  "exchange oauth code",
				StatusCode: status,
				Body:       string(retrieveErr.Body),
			}
		}
		return "", errors.Wrap(err, "[OAuthExchange.ExchangeCode] exchange")
	}
	if token.AccessToken == "" {
		return "", &apperrors.UpstreamError{Operation: "exchange oauth code", Body: "no access token in response"}
	}
	return token.AccessToken, nil
}

// FetchLogin resolves the login name of the user behind an access token.
func (e *OAuthExchange) FetchLogin(ctx context.Context, userAccessToken string) (string, error) {
	client, err := gh.NewClient(userAccessToken, e.apiBaseURL)
	if err != nil {
		return "", errors.Wrap(err, "[OAuthExchange.FetchLogin] build client")
	}

	ctx, cancel := context.WithTimeout(ctx, gh.RequestTimeout)
	defer cancel()

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		return "", gh.WrapAPIError("fetch user profile", resp, err)
	}
	if user.GetLogin() == "" {
		return "", &apperrors.UpstreamError{Operation: "fetch user profile", StatusCode: http.StatusOK, Body: "user response did not include login"}
	}
	return user.GetLogin(), nil
}
