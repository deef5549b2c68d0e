package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"go.uber.org/zap"
)

// Service scopes requested when calling platform service endpoints.
const (
	ScopeMembershipReadonly = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
	ScopeScore              = "https://purl.imsglobal.org/spec/lti-ags/scope/score"

	membershipMediaType = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"
	scoreMediaType      = "application/vnd.ims.lis.v1.score+json"

	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrServiceCall indicates a recoverable platform service failure: a
	// timeout, a non-2xx response or malformed JSON. Callers skip the affected
	// item and continue the batch.
	ErrServiceCall = errors.New("services: platform service call failed")

	errMissingRegistration = errors.New("services: registration required")
	errMissingTokenSource  = errors.New("services: token source required")
)

// TokenSource acquires OAuth2 client-credential access tokens for outbound
// platform service calls. Acquisition and caching live outside this package;
// the connector only consumes the bearer value.
type TokenSource interface {
	AccessToken(ctx context.Context, registration platform.Registration, scopes []string) (string, error)
}

// Member is one roster record returned by an NRPS endpoint.
type Member struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Picture    string   `json:"picture,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Status     string   `json:"status,omitempty"`
}

type membershipContainer struct {
	ID      string   `json:"id"`
	Members []Member `json:"members"`
}

// Score is the AGS grade payload pushed to a lineitem endpoint.
type Score struct {
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	UserID           string  `json:"userId"`
	Timestamp        string  `json:"timestamp"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// ConnectorConfig bundles what one platform-bound connector needs.
type ConnectorConfig struct {
	Registration platform.Registration
	Tokens       TokenSource
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Connector is a thin signed-HTTP client bound to one registration. Both sync
// tasks call platform service endpoints exclusively through it.
type Connector struct {
	registration platform.Registration
	tokens       TokenSource
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewConnector constructs a connector for the registration.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Registration.RegistrationID == "" {
		return nil, errMissingRegistration
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		registration: cfg.Registration,
		tokens:       cfg.Tokens,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// GetMemberships fetches the roster from a context-memberships URL. A
// non-empty resourceLinkID scopes the request to one resource link via the
// rlid query parameter. Pagination links are followed until exhausted.
func (c *Connector) GetMemberships(ctx context.Context, membershipsURL, resourceLinkID string) ([]Member, error) {
	requestURL, err := membershipRequestURL(membershipsURL, resourceLinkID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceCall, err)
	}

	token, err := c.tokens.AccessToken(ctx, c.registration, []string{ScopeMembershipReadonly})
	if err != nil {
		return nil, fmt.Errorf("%w: token acquisition: %v", ErrServiceCall, err)
	}

	var members []Member
	for requestURL != "" {
		page, next, err := c.fetchMembershipPage(ctx, requestURL, token)
		if err != nil {
			return nil, err
		}
		members = append(members, page...)
		requestURL = next
	}
	return members, nil
}

func (c *Connector) fetchMembershipPage(ctx context.Context, requestURL, token string) ([]Member, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrServiceCall, err)
	}
	req.Header.Set("Accept", membershipMediaType)
	req.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrServiceCall, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: memberships request returned status %d", ErrServiceCall, response.StatusCode)
	}

	var container membershipContainer
	if err := json.NewDecoder(response.Body).Decode(&container); err != nil {
		return nil, "", fmt.Errorf("%w: malformed membership container: %v", ErrServiceCall, err)
	}

	return container.Members, nextLink(response.Header), nil
}

// PutScore pushes one grade object to a lineitem endpoint. Any non-2xx
// response is a recoverable failure for the caller to log and skip.
func (c *Connector) PutScore(ctx context.Context, lineitemURL string, score Score) error {
	token, err := c.tokens.AccessToken(ctx, c.registration, []string{ScopeScore})
	if err != nil {
		return fmt.Errorf("%w: token acquisition: %v", ErrServiceCall, err)
	}

	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceCall, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, lineitemURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceCall, err)
	}
	req.Header.Set("Content-Type", scoreMediaType)
	req.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceCall, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%w: score request returned status %d", ErrServiceCall, response.StatusCode)
	}
	return nil
}

func membershipRequestURL(membershipsURL, resourceLinkID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(membershipsURL))
	if err != nil {
		return "", err
	}
	if resourceLinkID != "" {
		query := parsed.Query()
		query.Set("rlid", resourceLinkID)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// nextLink extracts the rel="next" target from a Link header, if present.
func nextLink(header http.Header) string {
	for _, value := range header.Values("Link") {
		for _, part := range strings.Split(value, ",") {
			segments := strings.Split(strings.TrimSpace(part), ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
			for _, attribute := range segments[1:] {
				if strings.EqualFold(strings.TrimSpace(attribute), `rel="next"`) {
					return target
				}
			}
		}
	}
	return ""
}
