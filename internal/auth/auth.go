// Package auth is the in-process authentication collaborator: it registers
// credentials, authenticates them and issues HS256 access tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

const issuer = "messaging-service"

// Credentials is what a client presents to register or log in.
type Credentials struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name,omitempty" validate:"omitempty,max=64"`
}

// Claims are carried by access tokens. The token id doubles as the presence
// session of the login that issued it.
type Claims struct {
	jwt.RegisteredClaims
}

// Identity is what a valid token resolves to.
type Identity struct {
	UserID    string
	SessionID string
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	SessionID   string    `json:"-"`
}

// Service implements the authentication collaborator.
type Service struct {
	creds    repositories.CredentialRepository
	signKey  []byte
	ttl      time.Duration
	cost     int
	validate *validator.Validate
	revoked  *revocations
	now      func() time.Time
}

// NewService constructs Service.
func NewService(creds repositories.CredentialRepository, signKey []byte, ttl time.Duration) *Service {
	return &Service{
		creds:    creds,
		signKey:  signKey,
		ttl:      ttl,
		cost:     bcrypt.DefaultCost,
		validate: validator.New(),
		revoked:  newRevocations(),
		now:      time.Now,
	}
}

func (s *Service) check(c *Credentials) error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	if err := s.validate.Struct(c); err != nil {
		return errs.Wrap(errs.ErrInvalidArgument, "invalid email or password", err)
	}
	return nil
}

// Register creates the credential and the profile of a new user.
func (s *Service) Register(ctx context.Context, c Credentials) (string, error) {
	if err := s.check(&c); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), s.cost)
	if err != nil {
		return "", err
	}
	name := c.DisplayName
	if name == "" {
		name, _, _ = strings.Cut(c.Email, "@")
	}
	user, err := s.creds.Register(ctx, models.User{
		ID:          uuid.NewString(),
		Email:       c.Email,
		DisplayName: name,
		CreatedAt:   s.now().UTC(),
	}, hash)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// Authenticate resolves credentials to a user id. Unknown emails and wrong
// passwords are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (string, error) {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.Email == "" || c.Password == "" {
		return "", errs.New(errs.ErrInvalidArgument, "email and password are required")
	}
	cred, err := s.creds.Credentials(ctx, c.Email)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", errs.New(errs.ErrUnauthenticated, "invalid email or password")
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(c.Password)); err != nil {
		return "", errs.New(errs.ErrUnauthenticated, "invalid email or password")
	}
	return cred.UserID, nil
}

// IssueToken signs an access token for userID with a fresh session id.
func (s *Service) IssueToken(userID string) (Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	sessionID := uuid.NewString()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        sessionID,
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return Token{}, err
	}
	s.revoked.track(userID, sessionID, exp)
	return Token{AccessToken: signed, ExpiresAt: exp, SessionID: sessionID}, nil
}

// RevokeUser voids every token issued to userID so far. Logging in again
// issues a fresh token that is not affected.
func (s *Service) RevokeUser(userID string) {
	s.revoked.revokeUser(userID, s.now(), s.ttl)
}

// SessionRevoked reports whether the token behind a presence session was
// revoked. Presence sockets use "<token id>/<conn id>" as their session id.
func (s *Service) SessionRevoked(userID, sessionID string) bool {
	tokenID, _, _ := strings.Cut(sessionID, "/")
	return s.revoked.tokenRevoked(tokenID)
}

// ValidateToken checks signature, issuer, expiry and revocation.
func (s *Service) ValidateToken(ctx context.Context, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Identity{}, errs.New(errs.ErrUnauthenticated, "invalid token")
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	if s.revoked.isRevoked(claims.Subject, claims.ID, issuedAt) {
		return Identity{}, errs.New(errs.ErrUnauthenticated, "token revoked")
	}
	return Identity{UserID: claims.Subject, SessionID: claims.ID}, nil
}
