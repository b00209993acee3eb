// Package auth validates the bearer token a client presents at connection
// time. Token minting belongs to the platform's credential service; this
// package only verifies.
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken         = errors.New("no token presented")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountInactive = errors.New("account inactive")
)

// Identity is the validated result of a successful verification.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// Claims is the expected JWT claims structure. The subject claim carries
// the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserDirectory answers whether the token's subject is a known, active
// account. The backing document store implements this outside the gateway.
type UserDirectory interface {
	// Lookup returns ErrUserNotFound for unknown ids and reports whether
	// the account may connect.
	Lookup(ctx context.Context, userID string) (active bool, err error)
}

// DirectoryFunc adapts a function to the UserDirectory interface.
type DirectoryFunc func(ctx context.Context, userID string) (bool, error)

func (f DirectoryFunc) Lookup(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// AllowAll is a directory that accepts every subject carried by a valid
// token. Used when the user store is not wired into the process.
func AllowAll() UserDirectory {
	return DirectoryFunc(func(context.Context, string) (bool, error) {
		return true, nil
	})
}

type Authenticator struct {
	secret []byte
	dir    UserDirectory
	logger *slog.Logger
}

func NewAuthenticator(logger *slog.Logger, secret string, dir UserDirectory) *Authenticator {
	if dir == nil {
		dir = AllowAll()
	}
	return &Authenticator{
		secret: []byte(secret),
		dir:    dir,
		logger: logger.With(slog.String("component", "authenticator")),
	}
}

// Verify parses and validates the token, then confirms the subject against
// the user directory. Runs once, synchronously, before any room assignment.
func (a *Authenticator) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		a.logger.Debug("Token parse failed", slog.Any("error", err))
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	active, err := a.dir.Lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !active {
		return nil, ErrAccountInactive
	}

	return &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   claims.Role,
	}, nil
}
