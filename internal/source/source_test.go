package source

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"pacebot/internal/faults"
	logx "pacebot/pkg/logx"
)

func TestFileFetch(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "tweets.txt")
	body := "\xef\xbb\xbfFirst line  \r\n\r\nSecond línea\nlast without newline"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := File{Path: p}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []string{"First line  \r", "\r", "Second línea", "last without newline"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestFileMissing(t *testing.T) {
	t.Parallel()
	_, err := File{Path: filepath.Join(t.TempDir(), "nope.txt")}.Fetch(context.Background())
	if !errors.Is(err, faults.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// fakeGoogle serves the token endpoint and the two Sheets calls.
func fakeGoogle(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		tok, err := jwt.Parse(r.Form.Get("assertion"), func(*jwt.Token) (any, error) { return pub, nil },
			jwt.WithValidMethods([]string{"RS256"}))
		if err != nil || !tok.Valid {
			http.Error(w, "bad assertion", http.StatusUnauthorized)
			return
		}
		claims := tok.Claims.(jwt.MapClaims)
		if claims["scope"] != sheetsScope || claims["iss"] != "bot@example.iam.gserviceaccount.com" {
			http.Error(w, "bad claims", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600, "token_type": "Bearer"})
	})
	mux.HandleFunc("/v4/spreadsheets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v4/spreadsheets/doc-1":
			_, _ = w.Write([]byte(`{"sheets":[
				{"properties":{"title":"Sheet1","index":0}},
				{"properties":{"title":"Bob's tweets","index":1}}]}`))
		case "/v4/spreadsheets/doc-1/values/'Bob''s tweets'!A:A":
			_, _ = w.Write([]byte(`{"range":"x","majorDimension":"ROWS","values":[["Tweet one","ignored"],[],["Tweet two  "]]}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSheetsFetch(t *testing.T) {
	t.Parallel()
	key, keyPEM := testKey(t)
	srv := fakeGoogle(t, &key.PublicKey)

	raw, _ := json.Marshal(map[string]string{
		"type":            "service_account",
		"private_key":     keyPEM,
		"private_key_id":  "kid-1",
		"client_email":    "bot@example.iam.gserviceaccount.com",
		"token_uri":       srv.URL + "/token",
		"universe_domain": "googleapis.com",
	})
	sa, err := ParseServiceAccount(raw)
	if err != nil {
		t.Fatalf("ParseServiceAccount: %v", err)
	}

	s := &Sheets{Account: sa, DocKey: "doc-1", Sheet: 2, BaseURL: srv.URL, Client: srv.Client(), Now: time.Now, Log: logx.Nop()}
	got, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if diff := cmp.Diff([]string{"Tweet one", "", "Tweet two  "}, got); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}

	s.Sheet = 5
	_, err = s.Fetch(context.Background())
	if !errors.Is(err, faults.ErrSourceUnavailable) || !strings.Contains(err.Error(), "sheet 5 not found") {
		t.Fatalf("err = %v, want missing sheet", err)
	}
}

func TestSheetsBadKey(t *testing.T) {
	t.Parallel()
	s := &Sheets{
		Account: &ServiceAccount{ClientEmail: "x", PrivateKey: "not a pem", TokenURI: "http://127.0.0.1:1/token"},
		DocKey:  "doc",
	}
	if _, err := s.Fetch(context.Background()); !errors.Is(err, faults.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestParseServiceAccount(t *testing.T) {
	t.Parallel()
	if _, err := ParseServiceAccount([]byte(`{"client_email":"a"}`)); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	sa, err := ParseServiceAccount([]byte(`{"client_email":"a","private_key":"k","extra":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if sa.TokenURI != DefaultTokenURI {
		t.Fatalf("TokenURI = %q", sa.TokenURI)
	}
}
