package supabase

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultServiceTokenTTL = 10 * time.Minute
	serviceTokenRefreshAt  = time.Minute
	serviceRole            = "service_role"
	serviceTokenIssuer     = "supabase"
)

var errMissingSigningSecret = errors.New("signing secret must be provided")

// serviceClaims is the claim set PostgREST and storage read the role from.
type serviceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ServiceTokenIssuer mints short-lived service_role tokens from the project JWT secret.
type ServiceTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewServiceTokenIssuer constructs an issuer. A non-positive ttl selects the default.
func NewServiceTokenIssuer(secret string, ttl time.Duration, clock func() time.Time) (*ServiceTokenIssuer, error) {
	if secret == "" {
		return nil, errMissingSigningSecret
	}
	if ttl <= 0 {
		ttl = defaultServiceTokenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &ServiceTokenIssuer{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

// Token returns a cached token, minting a new one shortly before the old one expires.
func (i *ServiceTokenIssuer) Token() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock().UTC()
	if i.token != "" && now.Add(serviceTokenRefreshAt).Before(i.expiresAt) {
		return i.token, nil
	}

	expiresAt := now.Add(i.ttl)
	claims := serviceClaims{
		Role: serviceRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    serviceTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", err
	}
	i.token = signed
	i.expiresAt = expiresAt
	return signed, nil
}
