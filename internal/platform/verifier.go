package platform

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultJWKSCacheTTL = 10 * time.Minute

var (
	errMissingToken         = errors.New("launch token must not be empty")
	errMissingKeyIdentifier = errors.New("token missing key identifier")
	errKeyNotFound          = errors.New("signing key not found in JWKS")
	errMissingSubject       = errors.New("token missing subject claim")
	errMissingAudience      = errors.New("token missing audience claim")
	errMissingIssuer        = errors.New("token missing issuer claim")
	errMissingJWKSURL       = errors.New("registration has no jwks url")
	errMissingDirectory     = errors.New("registration directory required")
)

// VerifierConfig bundles configuration required to instantiate a Verifier.
type VerifierConfig struct {
	Directory  *Directory
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Verifier validates RS256 launch tokens offline using per-registration JWKS
// documents with a TTL cache. The registration directory provides the key set
// location and the expected audience for every trusted issuer.
type Verifier struct {
	directory  *Directory
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	cacheTTL   time.Duration

	mu     sync.Mutex
	caches map[string]*jwksCache
}

// NewVerifier constructs a launch-token verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Verifier{
		directory:  cfg.Directory,
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		cacheTTL:   cacheTTL,
		caches:     make(map[string]*jwksCache),
	}, nil
}

// Verify validates the provided launch token against the registration that its
// issuer and audience resolve to, and returns the decoded claim set.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			registration, regErr := v.registrationForToken(ctx, token)
			if regErr != nil {
				return nil, regErr
			}
			return v.lookupKey(ctx, registration, keyID)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token signature invalid")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, errMissingSubject
	}

	return claims, nil
}

func (v *Verifier) registrationForToken(ctx context.Context, token *jwt.Token) (Registration, error) {
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Registration{}, errMissingIssuer
	}
	issuer, err := mapClaims.GetIssuer()
	if err != nil || issuer == "" {
		return Registration{}, errMissingIssuer
	}
	audience, err := mapClaims.GetAudience()
	if err != nil || len(audience) == 0 {
		return Registration{}, errMissingAudience
	}
	return v.directory.FindRegistration(ctx, issuer, audience[0])
}

func (v *Verifier) lookupKey(ctx context.Context, registration Registration, keyID string) (*rsa.PublicKey, error) {
	jwksURL := normalize(registration.JWKSURL)
	if jwksURL == "" {
		return nil, errMissingJWKSURL
	}

	cache := v.cacheFor(jwksURL)
	now := v.clock()
	if key := cache.get(keyID, now); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx, jwksURL, cache, now); err != nil {
		return nil, err
	}

	if key := cache.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *Verifier) cacheFor(jwksURL string) *jwksCache {
	v.mu.Lock()
	defer v.mu.Unlock()
	cache, ok := v.caches[jwksURL]
	if !ok {
		cache = &jwksCache{ttl: v.cacheTTL}
		v.caches[jwksURL] = cache
	}
	return cache
}

func (v *Verifier) refreshKeys(ctx context.Context, jwksURL string, cache *jwksCache, fetchedAt time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return err
	}

	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}

	if len(keyMap) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	cache.store(keyMap, fetchedAt)
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
