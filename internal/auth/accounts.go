package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/bcpmarket/market-engine/internal/model"
	"github.com/bcpmarket/market-engine/internal/store"
)

var (
	ErrInvalidInput       = errors.New("username and password are required")
	ErrDuplicateUser      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const maxUsernameLen = 64

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
}

// Accounts registers users and exchanges passwords for tokens.
type Accounts struct {
	store        store.Store
	tokens       JWT
	admin        string
	startingCash decimal.Decimal
	hashCost     int
}

func NewAccounts(st store.Store, tokens JWT, admin string, startingCash decimal.Decimal) *Accounts {
	return &Accounts{
		store:        st,
		tokens:       tokens,
		admin:        admin,
		startingCash: startingCash,
		hashCost:     bcrypt.DefaultCost,
	}
}

// Admin returns the admin account's username.
func (a *Accounts) Admin() string { return a.admin }

// Register creates a player account with the starting cash balance.
func (a *Accounts) Register(ctx context.Context, username, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		return nil, ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.hashCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, ErrInvalidInput
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{Username: username, PasswordHash: string(hash), Cash: a.startingCash}
	if err := a.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	slog.Info("user registered", "user", username)
	return u, nil
}

// Login verifies the password and issues a bearer token.
func (a *Accounts) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	u, err := a.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	role := RolePlayer
	if u.Username == a.admin {
		role = RoleAdmin
	}
	token, expiresAt, err := a.tokens.Sign(Claims{Username: u.Username, Role: role})
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Username: u.Username, Role: role}, nil
}

// Bootstrap creates the admin account if it does not exist yet. An
// existing admin keeps its password and balance.
func (a *Accounts) Bootstrap(ctx context.Context, password string, cash decimal.Decimal) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.hashCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	u := &model.User{Username: a.admin, PasswordHash: string(hash), Cash: cash}
	err = a.store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	slog.Info("admin account created", "user", a.admin)
	return nil
}
