package actor

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	authMailboxSize = 8

	tokenTTL     = 4 * time.Hour
	adminSubject = "admin"
)

type authMessage interface{ isAuthMessage() }

type authLoginMsg struct {
	password string
	reply    chan Result[string]
}

type authVerifyMsg struct {
	token string
	reply chan error
}

func (authLoginMsg) isAuthMessage()  {}
func (authVerifyMsg) isAuthMessage() {}

// AuthActor gates setting mutations behind a single admin password and
// issues short-lived HS256 tokens. The signing secret is generated per
// process, so tokens do not survive a daemon restart.
type AuthActor struct {
	ch       chan authMessage
	password string
	secret   []byte
}

func NewAuthActor(password string) (*AuthActor, error) {
	if password == "" {
		return nil, errors.New().
			WithMessage(errors.ErrInvalidConfig, "admin password must not be empty")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}

	return &AuthActor{
		ch:       make(chan authMessage, authMailboxSize),
		password: password,
		secret:   []byte(hex.EncodeToString(secret)),
	}, nil
}

func (a *AuthActor) Name() string { return "auth" }

func (a *AuthActor) Receiver() <-chan authMessage { return a.ch }

func (a *AuthActor) HandleMessage(_ context.Context, msg authMessage) {
	switch m := msg.(type) {
	case authLoginMsg:
		m.reply <- a.login(m.password)
	case authVerifyMsg:
		m.reply <- a.verify(m.token)
	}
}

func (a *AuthActor) login(password string) Result[string] {
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		logger.Warn().Msg("Rejected login with wrong password")

		return Result[string]{Err: errors.New().
			WithMessage(errors.ErrUnauthorized, "invalid credentials")}
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return Result[string]{Err: errors.New().Wrap(errors.ErrInternal, err)}
	}

	return Result[string]{Value: signed}
}

func (a *AuthActor) verify(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return errors.New().
			Wrap(errors.ErrUnauthorized, err).
			WithMessage("invalid token")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject != adminSubject {
		return errors.New().
			WithMessage(errors.ErrUnauthorized, "invalid token")
	}

	return nil
}

type AuthHandle struct {
	ch chan<- authMessage
}

func (a *AuthActor) Handle() AuthHandle {
	return AuthHandle{ch: a.ch}
}

// Login exchanges the admin password for a signed token.
func (h AuthHandle) Login(ctx context.Context, password string) (string, error) {
	msg := authLoginMsg{password: password, reply: NewReply[Result[string]]()}
	if err := Send(ctx, h.ch, authMessage(msg)); err != nil {
		return "", err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return "", err
	}

	return res.Value, res.Err
}

func (h AuthHandle) Verify(ctx context.Context, token string) error {
	msg := authVerifyMsg{token: token, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, authMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}
