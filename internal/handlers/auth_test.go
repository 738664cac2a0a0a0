package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pigeon/internal/crypto"
	"pigeon/internal/store/sqlstore"
)

var testSecret = []byte("test-cookie-secret")

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	key := make([]byte, crypto.KeyBytes)
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	s, err := sqlstore.New("sqlite3", ":memory:", cipher)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return s
}

func signupRequest(t *testing.T, handler *AuthHandler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(Credentials{Username: username, Password: password})
	req, _ := http.NewRequest("POST", "/signup", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	handler.Signup(rr, req)
	return rr
}

func TestSignup(t *testing.T) {
	handler := &AuthHandler{Store: newTestStore(t), CookieSecret: testSecret}

	rr := signupRequest(t, handler, "alice", "Str0ng-enough")
	if rr.Code != http.StatusCreated {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}

	// Duplicate username
	rr = signupRequest(t, handler, "alice", "Str0ng-enough")
	if rr.Code != http.StatusConflict {
		t.Errorf("expected conflict for duplicate username, got %v", rr.Code)
	}
}

func TestSignupValidation(t *testing.T) {
	handler := &AuthHandler{Store: newTestStore(t), CookieSecret: testSecret}

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"short username", "ab", "Str0ng-enough"},
		{"bad characters", "bad name", "Str0ng-enough"},
		{"weak password", "alice", "weak"},
		{"no special char", "alice", "NoSpecials123A"},
	}
	for _, tc := range cases {
		rr := signupRequest(t, handler, tc.username, tc.password)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %v want %v", tc.name, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestLogin(t *testing.T) {
	handler := &AuthHandler{Store: newTestStore(t), CookieSecret: testSecret}
	signupRequest(t, handler, "alice", "Str0ng-enough")

	body, _ := json.Marshal(Credentials{Username: "alice", Password: "Str0ng-enough"})
	req, _ := http.NewRequest("POST", "/login", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	handler.Login(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	cookies := rr.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == "username" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected signed username cookie on login")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler := &AuthHandler{Store: newTestStore(t), CookieSecret: testSecret}
	signupRequest(t, handler, "alice", "Str0ng-enough")

	for _, creds := range []Credentials{
		{Username: "alice", Password: "Wrong-passw0rd"},
		{Username: "nobody", Password: "Str0ng-enough"},
	} {
		body, _ := json.Marshal(creds)
		req, _ := http.NewRequest("POST", "/login", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		handler.Login(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("login as %s: got %v want %v", creds.Username, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestUsersList(t *testing.T) {
	handler := &AuthHandler{Store: newTestStore(t), CookieSecret: testSecret}
	signupRequest(t, handler, "bob", "Str0ng-enough")
	signupRequest(t, handler, "alice", "Str0ng-enough")

	req, _ := http.NewRequest("GET", "/users", nil)
	rr := httptest.NewRecorder()
	handler.Users(rr, req)

	var users []string
	if err := json.NewDecoder(rr.Body).Decode(&users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("unexpected user list: %v", users)
	}
}
