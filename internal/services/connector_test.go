package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
)

type staticTokenSource struct {
	token string
	err   error
	calls int
}

func (s *staticTokenSource) AccessToken(_ context.Context, _ platform.Registration, _ []string) (string, error) {
	s.calls++
	return s.token, s.err
}

func testRegistration() platform.Registration {
	return platform.Registration{
		RegistrationID: "reg-1",
		Issuer:         "https://lms.example.edu",
		ClientID:       "client-1",
	}
}

func newTestConnector(t *testing.T, tokens TokenSource) *Connector {
	t.Helper()
	connector, err := NewConnector(ConnectorConfig{
		Registration: testRegistration(),
		Tokens:       tokens,
	})
	if err != nil {
		t.Fatalf("failed to create connector: %v", err)
	}
	return connector
}

func TestGetMembershipsScopesRequestByResourceLink(t *testing.T) {
	var sawRlid, sawAuth, sawAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRlid = r.URL.Query().Get("rlid")
		sawAuth = r.Header.Get("Authorization")
		sawAccept = r.Header.Get("Accept")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "https://lms.example.edu/memberships",
			"members": []map[string]interface{}{
				{"user_id": "subject-1", "roles": []string{"Learner"}},
			},
		})
	}))
	defer server.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	members, err := connector.GetMemberships(context.Background(), server.URL, "link-1")
	if err != nil {
		t.Fatalf("memberships call failed: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "subject-1" {
		t.Fatalf("unexpected members: %+v", members)
	}
	if sawRlid != "link-1" {
		t.Fatalf("request must carry the rlid parameter, got %q", sawRlid)
	}
	if sawAuth != "Bearer tok-1" {
		t.Fatalf("missing bearer token, got %q", sawAuth)
	}
	if sawAccept != "application/vnd.ims.lti-nrps.v2.membershipcontainer+json" {
		t.Fatalf("unexpected accept header %q", sawAccept)
	}
}

func TestGetMembershipsOmitsRlidForContextQueries(t *testing.T) {
	var hadRlid bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadRlid = r.URL.Query()["rlid"]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"members": []interface{}{}})
	}))
	defer server.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	if _, err := connector.GetMemberships(context.Background(), server.URL, ""); err != nil {
		t.Fatalf("memberships call failed: %v", err)
	}
	if hadRlid {
		t.Fatalf("context-level query must not carry rlid")
	}
}

func TestGetMembershipsFollowsPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=2>; rel="next"`, server.URL))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"members": []map[string]string{{"user_id": "subject-1"}},
			})
		case "2":
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=1>; rel="prev", <%s?page=3>; rel="next"`, server.URL, server.URL))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"members": []map[string]string{{"user_id": "subject-2"}},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"members": []map[string]string{{"user_id": "subject-3"}},
			})
		}
	}))
	defer server.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	members, err := connector.GetMemberships(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("memberships call failed: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected all pages merged, got %d members", len(members))
	}
	if members[0].UserID != "subject-1" || members[2].UserID != "subject-3" {
		t.Fatalf("page order lost: %+v", members)
	}
}

func TestGetMembershipsErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer malformed.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	if _, err := connector.GetMemberships(context.Background(), failing.URL, ""); !errors.Is(err, ErrServiceCall) {
		t.Fatalf("non-2xx status must map to service call error, got %v", err)
	}
	if _, err := connector.GetMemberships(context.Background(), malformed.URL, ""); !errors.Is(err, ErrServiceCall) {
		t.Fatalf("malformed body must map to service call error, got %v", err)
	}

	broken := newTestConnector(t, &staticTokenSource{err: errors.New("token endpoint down")})
	if _, err := broken.GetMemberships(context.Background(), failing.URL, ""); !errors.Is(err, ErrServiceCall) {
		t.Fatalf("token failure must map to service call error, got %v", err)
	}
}

func TestPutScoreSendsWellFormedPayload(t *testing.T) {
	var sawMethod, sawContentType string
	var sawScore Score
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		sawContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&sawScore); err != nil {
			t.Errorf("failed to decode score: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	score := Score{
		ScoreGiven:       0.85,
		ScoreMaximum:     1.0,
		UserID:           "subject-1",
		Timestamp:        "2026-08-30T12:00:00Z",
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	}
	if err := connector.PutScore(context.Background(), server.URL, score); err != nil {
		t.Fatalf("score push failed: %v", err)
	}
	if sawMethod != http.MethodPut {
		t.Fatalf("scores must be PUT, got %q", sawMethod)
	}
	if sawContentType != "application/vnd.ims.lis.v1.score+json" {
		t.Fatalf("unexpected content type %q", sawContentType)
	}
	if sawScore != score {
		t.Fatalf("payload mismatch: %+v", sawScore)
	}
}

func TestPutScoreReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	connector := newTestConnector(t, &staticTokenSource{token: "tok-1"})
	err := connector.PutScore(context.Background(), server.URL, Score{UserID: "subject-1"})
	if !errors.Is(err, ErrServiceCall) {
		t.Fatalf("rejected score must map to service call error, got %v", err)
	}
}

func TestNextLinkParsing(t *testing.T) {
	cases := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"absent", http.Header{}, ""},
		{"single next", http.Header{"Link": []string{`<https://lms.example.edu/m?page=2>; rel="next"`}}, "https://lms.example.edu/m?page=2"},
		{"prev only", http.Header{"Link": []string{`<https://lms.example.edu/m?page=1>; rel="prev"`}}, ""},
		{"combined", http.Header{"Link": []string{`<https://a>; rel="prev", <https://b>; rel="next"`}}, "https://b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextLink(tc.header); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
