package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
)

// Claims are the JWT claims of a plinth session token. The audience is
// the site id the session is valid for.
type Claims struct {
	jwt.RegisteredClaims
	Provider string   `json:"prv"`
	Roles    []string `json:"roles,omitempty"`
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  *Identity `json:"identity"`
}

// Service performs logins and verifies session tokens.
type Service struct {
	cfg      config.AuthConfig
	store    SettingStore
	registry *Registry
	hooks    *hooks.Registry
	recorder events.Recorder
	logger   *zap.Logger
	secret   []byte
	now      func() time.Time
}

// NewService creates the auth service. When cfg.Secret is empty a random
// signing key is generated, so tokens do not survive a restart.
func NewService(cfg config.AuthConfig, store SettingStore, registry *Registry, hooksReg *hooks.Registry, recorder events.Recorder, logger *zap.Logger) (*Service, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		logger.Warn("no auth secret configured, using an ephemeral signing key")
	}
	if recorder == nil {
		recorder = events.Discard
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		hooks:    hooksReg,
		recorder: recorder,
		logger:   logger,
		secret:   secret,
		now:      time.Now,
	}, nil
}

// Providers lists the provider names available on a site.
func (s *Service) Providers(siteID string) []string {
	return append([]string{PasswordProviderName}, s.registry.Names(siteID)...)
}

func (s *Service) provider(siteID, name string) (Provider, string, error) {
	if name == PasswordProviderName {
		return NewPasswordProvider(s.store, siteID), "", nil
	}
	p, pluginID, ok := s.registry.Get(siteID, name)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, pluginID, nil
}

// Login authenticates with the named provider, runs the identity through
// the auth.identity filter and issues a session token. A filter that
// returns nil rejects the login.
func (s *Service) Login(ctx context.Context, siteID, providerName string, creds Credentials) (*Session, error) {
	ctx = hooks.WithSite(ctx, siteID)

	p, pluginID, err := s.provider(siteID, providerName)
	if err != nil {
		return nil, err
	}

	identity, err := authenticate(ctx, p, creds)
	if err == nil {
		identity, err = s.filterIdentity(ctx, identity, providerName)
	}
	if err != nil {
		s.recorder.Record(ctx, events.NewAuthEvent(siteID, pluginID, events.AuthData{
			Provider: providerName,
			Subject:  creds["username"],
			Error:    err.Error(),
		}))
		return nil, err
	}
	identity.Provider = providerName

	session, err := s.issue(siteID, identity)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, events.NewAuthEvent(siteID, pluginID, events.AuthData{
		Provider: providerName,
		Subject:  identity.Subject,
	}))
	s.logger.Info("login succeeded",
		zap.String("site", siteID),
		zap.String("provider", providerName),
		zap.String("subject", identity.Subject))
	return session, nil
}

// authenticate isolates a provider panic as an error.
func authenticate(ctx context.Context, p Provider, creds Credentials) (identity *Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("auth provider %s panicked: %v\n%s", p.Name(), r, debug.Stack())
		}
	}()
	identity, err = p.Authenticate(ctx, creds)
	if err == nil && (identity == nil || identity.Subject == "") {
		err = fmt.Errorf("auth provider %s returned no subject", p.Name())
	}
	return identity, err
}

func (s *Service) filterIdentity(ctx context.Context, identity *Identity, providerName string) (*Identity, error) {
	out, err := s.hooks.ApplyFilters(ctx, hooks.AuthIdentity, identity, providerName)
	if err != nil {
		s.logger.Warn("auth.identity filter failed", zap.Error(err))
	}
	filtered, ok := out.(*Identity)
	if !ok || filtered == nil || filtered.Subject == "" {
		return nil, fmt.Errorf("%w: identity rejected", ErrInvalidCredentials)
	}
	return filtered, nil
}

func (s *Service) issue(siteID string, identity *Identity) (*Session, error) {
	now := s.now()
	expires := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.cfg.Issuer,
			Subject:   identity.Subject,
			Audience:  jwt.ClaimStrings{siteID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Provider: identity.Provider,
		Roles:    identity.Roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expires, Identity: identity}, nil
}

// Verify checks a token's signature, issuer, audience and expiry.
func (s *Service) Verify(token, siteID string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(siteID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}
