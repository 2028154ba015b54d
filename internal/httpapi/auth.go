package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/crypto/bcrypt"

	"checkoutengine/backend/internal/domain"
)

const tokenIssuer = "checkout-engine"

// AuthManager verifies bearer tokens issued by the auth service and the
// manager PIN that guards refunds and movement voids.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	pinLimiter *limiter.Limiter
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	// An empty PIN stays unhashed, which makes every PIN check fail.
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		hashedPIN, err := hashPassword(managerPIN)
		if err != nil {
			hashedPIN = ""
		}
		managerPIN = hashedPIN
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		pinLimiter: limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 8}),
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &staffClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// IssueToken signs a staff token. Production tokens come from the auth
// service sharing AUTH_SECRET; this is used by tooling and tests.
func (a *AuthManager) IssueToken(username string, role string) (string, error) {
	now := time.Now().UTC()
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(a.tokenTTL)),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ManagerPINAllowed counts a PIN attempt for the client and reports whether
// it is still under the per-minute limit.
func (a *AuthManager) ManagerPINAllowed(ctx context.Context, client string) bool {
	res, err := a.pinLimiter.Get(ctx, "pin:"+client)
	if err != nil {
		return false
	}
	return !res.Reached
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
