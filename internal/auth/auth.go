// Package auth implements bearer-token authentication for the ingest surface.
//
// Secrets are never stored. Each token row carries an HMAC-SHA256 of the
// plaintext keyed with the server secret, and authentication is an exact
// lookup on that hash. The keyed hash makes the indexed lookup safe to use
// instead of scanning and comparing every stored token.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// ErrUnauthenticated is returned for any failed authentication. Callers
// cannot distinguish an unknown token from a wrong one.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator validates bearer credentials against the token store.
type Authenticator struct {
	store  storage.Storage
	secret []byte
	logger *slog.Logger
}

// New creates an Authenticator keyed with the server secret.
func New(store storage.Storage, secret []byte, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		store:  store,
		secret: secret,
		logger: logger.With("component", "auth"),
	}
}

// HashToken computes the deterministic keyed hash stored for a plaintext.
func (a *Authenticator) HashToken(plaintext string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves a plaintext credential to its token. A successful
// lookup updates last_used_at; failures have no side effect and all return
// ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, plaintext string) (*models.Token, error) {
	if plaintext == "" {
		return nil, ErrUnauthenticated
	}

	token, err := a.store.GetTokenByHash(ctx, a.HashToken(plaintext))
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			a.logger.Error("token lookup failed", "error", err)
		}
		return nil, ErrUnauthenticated
	}

	if err := a.store.TouchToken(ctx, token.ID, time.Now().UTC()); err != nil {
		a.logger.Warn("updating last_used_at failed", "token", token.ID, "error", err)
	}
	return token, nil
}

// Verify recomputes the keyed hash for a plaintext and compares it against
// the token's stored hash in constant time.
func (a *Authenticator) Verify(token *models.Token, plaintext string) bool {
	return hmac.Equal([]byte(a.HashToken(plaintext)), []byte(token.TokenHash))
}

// CreateToken mints a new token and returns it with the plaintext secret.
// The plaintext exists only in the return value; callers must show it to the
// operator immediately or lose it.
func (a *Authenticator) CreateToken(ctx context.Context, name string) (*models.Token, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	token := &models.Token{
		ID:        uuid.NewString(),
		Name:      name,
		TokenHash: a.HashToken(plaintext),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateToken(ctx, token); err != nil {
		return nil, "", fmt.Errorf("storing token: %w", err)
	}
	a.logger.Info("token created", "token", token.ID, "name", name)
	return token, plaintext, nil
}
