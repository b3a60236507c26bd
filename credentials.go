package staylink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// CredentialStore supplies the bearer token for REST calls and the event
// channel. An empty token means signed out.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialStore that always returns itself.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TOMLCredentials reads the token from the [auth] table of a TOML file, the
// format the staylink CLI writes. A missing file means signed out.
type TOMLCredentials struct {
	Path string
}

type tomlAuthFile struct {
	Auth struct {
		Token string `toml:"token"`
	} `toml:"auth"`
}

func (f TOMLCredentials) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("cannot read credentials: %w", err)
	}
	var file tomlAuthFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("cannot parse credentials: %w", err)
	}
	return file.Auth.Token, nil
}

// ============================================================================
// Token inspection
// ============================================================================

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The server verifies; the client only needs to know when to stop using it.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenSubject reads the sub claim, falling back to userId and id.
func TokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	for _, key := range []string{"userId", "id"} {
		if s, ok := claims[key].(string); ok {
			return s
		}
	}
	return ""
}

// usableToken treats an expired JWT like no token. Opaque tokens pass.
func usableToken(token string, now time.Time) string {
	if token == "" {
		return ""
	}
	if exp, ok := TokenExpiry(token); ok && !now.Before(exp) {
		return ""
	}
	return token
}

// ============================================================================
// Credential watcher
// ============================================================================

// Connector is the part of ChannelManager driven by credentials.
type Connector interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
}

// gaveUp reports whether conn exposes its state and is neither connected nor
// retrying.
func gaveUp(conn Connector) bool {
	s, ok := conn.(interface{ State() ConnState })
	return ok && s.State() == StateDisconnected
}

// WatchCredentials polls store and drives conn: a new usable token connects,
// a missing or expired one disconnects. When conn reports its state, an
// unchanged token also reconnects a connection that has given up. It returns
// when ctx is done.
func WatchCredentials(ctx context.Context, store CredentialStore, conn Connector, interval time.Duration, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var current string
	check := func() {
		tok, err := store.Token(ctx)
		if err != nil {
			log.Warn("credential check failed", zap.Error(err))
			return
		}
		tok = usableToken(tok, time.Now())
		if tok == current && (tok == "" || !gaveUp(conn)) {
			return
		}
		if tok == "" {
			log.Info("credentials cleared, disconnecting")
			conn.Disconnect()
			current = ""
			return
		}
		if err := conn.Connect(ctx, tok); err != nil {
			log.Warn("connect failed", zap.Error(err))
			return
		}
		current = tok
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}
