package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"secureshare/svc/api"
)

func startTestServer(t *testing.T) (*testStack, *httptest.Server) {
	t.Helper()
	stack := createTestStack(t)
	srv := api.NewServer(stack.cfg, stack.secrets, stack.users, stack.limiter, stack.db, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return stack, ts
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func registerAndLogin(t *testing.T, ts *httptest.Server, email string) string {
	t.Helper()
	resp := doJSON(t, "POST", ts.URL+"/api/auth/register", "", map[string]string{
		"email":    email,
		"password": "correct horse battery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "correct horse battery",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &login)
	if login.Token == "" {
		t.Fatal("empty session token")
	}
	return login.Token
}

func TestAPISecretLifecycle(t *testing.T) {
	_, ts := startTestServer(t)
	token := registerAndLogin(t, ts, "owner@example.com")

	resp := doJSON(t, "POST", ts.URL+"/api/secrets/", token, map[string]interface{}{
		"title":   "api key",
		"content": "sk-live-1234",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatal("create returned no id")
	}

	// Anonymous view.
	resp = doJSON(t, "GET", ts.URL+"/api/secrets/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	var got struct {
		Content      string `json:"content"`
		CurrentViews int    `json:"current_views"`
	}
	decodeBody(t, resp, &got)
	if got.Content != "sk-live-1234" {
		t.Errorf("content = %q", got.Content)
	}
	if got.CurrentViews != 1 {
		t.Errorf("views = %d", got.CurrentViews)
	}

	resp = doJSON(t, "PATCH", ts.URL+"/api/secrets/"+created.ID, token, map[string]string{
		"title": "rotated key",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/api/secrets/", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var list struct {
		Secrets []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"secrets"`
	}
	decodeBody(t, resp, &list)
	if len(list.Secrets) != 1 || list.Secrets[0].Title != "rotated key" {
		t.Fatalf("list = %+v", list.Secrets)
	}

	resp = doJSON(t, "DELETE", ts.URL+"/api/secrets/"+created.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/api/secrets/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("get after delete: status %d, want 410", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIPasswordProtectedSecret(t *testing.T) {
	_, ts := startTestServer(t)
	token := registerAndLogin(t, ts, "pw@example.com")

	resp := doJSON(t, "POST", ts.URL+"/api/secrets/", token, map[string]string{
		"content":  "classified",
		"password": "abc",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	// Metadata is free and flags the password without leaking content.
	resp = doJSON(t, "GET", ts.URL+"/api/secrets/"+created.ID+"?content=false", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata: status %d", resp.StatusCode)
	}
	var meta struct {
		HasPassword  bool   `json:"has_password"`
		Content      string `json:"content"`
		CurrentViews int    `json:"current_views"`
	}
	decodeBody(t, resp, &meta)
	if !meta.HasPassword {
		t.Error("metadata should report has_password")
	}
	if meta.Content != "" {
		t.Error("metadata must not include content")
	}

	resp = doJSON(t, "GET", ts.URL+"/api/secrets/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing password: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/secrets/"+created.ID, nil)
	req.Header.Set("X-Secret-Password", "xyz")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest("GET", ts.URL+"/api/secrets/"+created.ID, nil)
	req.Header.Set("X-Secret-Password", "abc")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct password: status %d", resp.StatusCode)
	}
	var got struct {
		Content string `json:"content"`
	}
	decodeBody(t, resp, &got)
	if got.Content != "classified" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestAPIAuthRequired(t *testing.T) {
	_, ts := startTestServer(t)

	resp := doJSON(t, "POST", ts.URL+"/api/secrets/", "", map[string]string{"content": "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated create: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/api/secrets/", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token list: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIDuplicateEmail(t *testing.T) {
	_, ts := startTestServer(t)
	registerAndLogin(t, ts, "dup@example.com")

	resp := doJSON(t, "POST", ts.URL+"/api/auth/register", "", map[string]string{
		"email":    "dup@example.com",
		"password": "another password",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIHealthEndpoints(t *testing.T) {
	_, ts := startTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPIRequestHygiene(t *testing.T) {
	_, ts := startTestServer(t)
	token := registerAndLogin(t, ts, "hygiene@example.com")

	// Wrong content type.
	req, _ := http.NewRequest("POST", ts.URL+"/api/secrets/", bytes.NewBufferString(`{"content":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain: status %d, want 415", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown fields.
	resp = doJSON(t, "POST", ts.URL+"/api/secrets/", token, map[string]string{
		"content": "x",
		"bogus":   "field",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Every response carries a request id.
	resp = doJSON(t, "GET", ts.URL+"/api/secrets/nonexistent", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent secret: status %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIOwnershipDoesNotLeakExistence(t *testing.T) {
	_, ts := startTestServer(t)
	ownerToken := registerAndLogin(t, ts, "a@example.com")
	otherToken := registerAndLogin(t, ts, "b@example.com")

	resp := doJSON(t, "POST", ts.URL+"/api/secrets/", ownerToken, map[string]string{"content": "mine"})
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	for _, tc := range []struct{ name, id string }{
		{"existing foreign secret", created.ID},
		{"absent secret", "zzzzzzzz"},
	} {
		resp := doJSON(t, "DELETE", fmt.Sprintf("%s/api/secrets/%s", ts.URL, tc.id), otherToken, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status %d, want identical 404", tc.name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
