// Package githubapp exchanges a GitHub App installation identity for
// short-lived access tokens and repository metadata.
package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNotFound = errors.New("github: not found")

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Repository struct {
	ID       int64
	FullName string
	Owner    string
}

type Client struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	http    *http.Client
}

func New(appID int64, privateKeyPEM, baseURL string) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &Client{
		appID:   appID,
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// appJWT signs the short-lived RS256 JWT GitHub requires for App-level
// endpoints. Issued 60s in the past to absorb clock skew.
func (c *Client) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges the installation id for a short-lived access
// token. Tokens are never cached; callers request a fresh one per operation.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (Token, error) {
	appJWT, err := c.appJWT()
	if err != nil {
		return Token{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("exchange installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Token{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("exchange installation token: %s", readError(resp.Body, resp.StatusCode))
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	return Token{Value: body.Token, ExpiresAt: body.ExpiresAt}, nil
}

// Repository fetches repository metadata by numeric id using an installation
// token.
func (c *Client) Repository(ctx context.Context, token string, repoID int64) (Repository, error) {
	url := fmt.Sprintf("%s/repositories/%d", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Repository{}, fmt.Errorf("build repository request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Repository{}, fmt.Errorf("fetch repository: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Repository{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Repository{}, fmt.Errorf("fetch repository: %s", readError(resp.Body, resp.StatusCode))
	}

	var body struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Repository{}, fmt.Errorf("decode repository response: %w", err)
	}
	return Repository{ID: body.ID, FullName: body.FullName, Owner: body.Owner.Login}, nil
}

func readError(r io.Reader, status int) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	message := strings.TrimSpace(string(raw))
	if message == "" {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, message)
}
