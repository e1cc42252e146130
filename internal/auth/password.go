package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/types"
)

// PasswordProviderName is the name of the built-in provider.
const PasswordProviderName = "password"

const passwordKeyPrefix = "password."

// SettingStore is the slice of storage the password provider needs.
type SettingStore interface {
	GetSetting(ctx context.Context, siteID, pluginID, key string) (*types.Setting, error)
	SetSetting(ctx context.Context, setting *types.Setting) error
}

type passwordRecord struct {
	Hash  string   `json:"hash"`
	Roles []string `json:"roles,omitempty"`
}

// PasswordProvider checks bcrypt hashes kept in the site's core settings
// under "password.<username>".
type PasswordProvider struct {
	store  SettingStore
	siteID string
}

// NewPasswordProvider creates the built-in provider for one site.
func NewPasswordProvider(store SettingStore, siteID string) *PasswordProvider {
	return &PasswordProvider{store: store, siteID: siteID}
}

// Name returns "password".
func (p *PasswordProvider) Name() string { return PasswordProviderName }

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// compareDummy spends the same bcrypt work for unknown users as for known ones.
func compareDummy(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("plinth-dummy-password"), bcrypt.MinCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// Authenticate expects "username" and "password" credentials.
func (p *PasswordProvider) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	username, password := creds["username"], creds["password"]
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}

	setting, err := p.store.GetSetting(ctx, p.siteID, manifest.CoreID, passwordKeyPrefix+username)
	if errors.Is(err, types.ErrNotFound) {
		compareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load password for %s: %w", username, err)
	}

	var rec passwordRecord
	if err := json.Unmarshal(setting.Value, &rec); err != nil {
		return nil, fmt.Errorf("corrupt password record for %s: %w", username, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Subject: username, Roles: rec.Roles, Provider: PasswordProviderName}, nil
}

// SetPassword stores a bcrypt hash for a user of a site.
func SetPassword(ctx context.Context, store SettingStore, siteID, username, password string, roles []string, cost int) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	value, err := json.Marshal(passwordRecord{Hash: string(hash), Roles: roles})
	if err != nil {
		return err
	}
	return store.SetSetting(ctx, &types.Setting{
		SiteID:   siteID,
		PluginID: manifest.CoreID,
		Key:      passwordKeyPrefix + username,
		Value:    value,
	})
}
