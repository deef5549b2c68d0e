package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
)

const tokenExpirySkew = 30 * time.Second

var errMissingTokenURL = errors.New("services: registration has no access token url")

// ClientCredentialsSource acquires access tokens from a registration's token
// endpoint with the client_credentials grant and caches them per
// (registration, scope set) until shortly before expiry.
type ClientCredentialsSource struct {
	httpClient *http.Client
	clock      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewClientCredentialsSource constructs the token source.
func NewClientCredentialsSource(httpClient *http.Client, clock func() time.Time) *ClientCredentialsSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if clock == nil {
		clock = time.Now
	}
	return &ClientCredentialsSource{
		httpClient: httpClient,
		clock:      clock,
		cache:      make(map[string]cachedToken),
	}
}

// AccessToken returns a bearer token for the registration and scope set,
// reusing a cached value while it remains valid.
func (s *ClientCredentialsSource) AccessToken(ctx context.Context, registration platform.Registration, scopes []string) (string, error) {
	tokenURL := strings.TrimSpace(registration.AccessTokenURL)
	if tokenURL == "" {
		return "", errMissingTokenURL
	}

	key := cacheKey(registration.RegistrationID, scopes)
	now := s.clock()

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", registration.ClientID)
	form.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned status %d", response.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	expiresAt := now.Add(time.Duration(payload.ExpiresIn) * time.Second).Add(-tokenExpirySkew)
	s.mu.Lock()
	s.cache[key] = cachedToken{value: payload.AccessToken, expiresAt: expiresAt}
	s.mu.Unlock()

	return payload.AccessToken, nil
}

func cacheKey(registrationID string, scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return registrationID + "|" + strings.Join(sorted, " ")
}
