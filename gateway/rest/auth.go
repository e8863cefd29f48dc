package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/models"
)

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// credentialFromToken prefers the JWT claims over the response body; the
// token is what the backend actually trusts.
func credentialFromToken(resp authResponse) *gateway.Credential {
	cred := &gateway.Credential{
		UserID:      resp.User.ID,
		Email:       resp.User.Email,
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	claims := jwt.MapClaims{}
	// The client holds no signing key; claims are parsed, not verified.
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
		return cred
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		cred.UserID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred
}

func (c *Client) setCredential(cred *gateway.Credential) {
	c.mu.Lock()
	c.cred = cred
	if cred != nil {
		c.http.SetAuthToken(cred.AccessToken)
		c.realtime.setToken(cred.AccessToken)
	} else {
		c.http.SetAuthToken("")
		c.realtime.setToken("")
	}
	subs := make([]*authSub, len(c.authSubs))
	copy(subs, c.authSubs)
	c.mu.Unlock()

	for _, s := range subs {
		if !s.closed {
			s.fn(cred)
		}
	}
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*gateway.Credential, error) {
	var body authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&body).
		Post("/auth/v1/signup")
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sign up: %w", restError(resp))
	}

	cred := credentialFromToken(body)
	c.setCredential(cred)
	return cred, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*gateway.Credential, error) {
	var body authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "password").
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&body).
		Post("/auth/v1/token")
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sign in: %w", models.ErrAuthFailed)
	}

	cred := credentialFromToken(body)
	c.setCredential(cred)
	return cred, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/auth/v1/logout")
	c.setCredential(nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sign out: %w", restError(resp))
	}
	return nil
}

func (c *Client) ChangePassword(ctx context.Context, newPassword string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"password": newPassword}).
		Put("/auth/v1/user")
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("change password: %w", restError(resp))
	}
	return nil
}

func (c *Client) CurrentSession(ctx context.Context) (*gateway.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil || time.Now().After(c.cred.ExpiresAt) {
		return nil, nil
	}
	return c.cred, nil
}

// DeleteCredential needs the service key; without one the rollback is
// reported as unsupported rather than silently skipped.
func (c *Client) DeleteCredential(ctx context.Context, userID string) error {
	if c.cfg.ServiceKey == "" {
		return fmt.Errorf("delete credential %s: no service key configured", userID)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("apikey", c.cfg.ServiceKey).
		SetAuthToken(c.cfg.ServiceKey).
		Delete("/auth/v1/admin/users/" + userID)
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", userID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("delete credential %s: %w", userID, restError(resp))
	}
	return nil
}

type authSub struct {
	c      *Client
	fn     func(*gateway.Credential)
	closed bool
}

func (s *authSub) Unsubscribe() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.closed = true
}

func (c *Client) OnChange(fn func(*gateway.Credential)) gateway.Subscription {
	sub := &authSub{c: c, fn: fn}
	c.mu.Lock()
	c.authSubs = append(c.authSubs, sub)
	c.mu.Unlock()
	return sub
}
