package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pacebot/internal/faults"
	logx "pacebot/pkg/logx"
)

const (
	DefaultSheetsBase = "https://sheets.googleapis.com"
	DefaultTokenURI   = "https://oauth2.googleapis.com/token"
	sheetsScope       = "https://www.googleapis.com/auth/spreadsheets.readonly"
)

// ServiceAccount is the subset of a Google service-account key that the
// JWT bearer grant needs.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes a key file. Unknown fields are ignored.
func ParseServiceAccount(b []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(b, &sa); err != nil {
		return nil, fmt.Errorf("%w: google_docs: %v", faults.ErrConfiguration, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("%w: google_docs: client_email and private_key are required", faults.ErrConfiguration)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &sa, nil
}

// accessToken exchanges a signed assertion for a bearer token valid for
// one hour.
func (sa *ServiceAccount) accessToken(ctx context.Context, client *http.Client, now time.Time, scopes ...string) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"sub":   sa.ClientEmail,
		"aud":   sa.TokenURI,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	if sa.PrivateKeyID != "" {
		tok.Header["kid"] = sa.PrivateKeyID
	}
	assertion, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sa.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := doJSON(client, req, &out); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token exchange: empty access_token")
	}
	return out.AccessToken, nil
}

// Sheets reads the first column of one worksheet of a Google spreadsheet.
type Sheets struct {
	Account *ServiceAccount
	DocKey  string
	// Sheet is 1-based.
	Sheet int

	BaseURL string
	Client  *http.Client
	Now     func() time.Time
	Log     logx.Logger
}

func (s *Sheets) Name() string { return fmt.Sprintf("sheets:%s#%d", s.DocKey, s.Sheet) }

func (s *Sheets) Fetch(ctx context.Context) ([]string, error) {
	lines, err := s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrSourceUnavailable, err)
	}
	return lines, nil
}

func (s *Sheets) fetch(ctx context.Context) ([]string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = DefaultSheetsBase
	}
	if s.Account == nil {
		return nil, errors.New("no service account")
	}

	token, err := s.Account.accessToken(ctx, client, now(), sheetsScope)
	if err != nil {
		return nil, err
	}
	title, err := s.sheetTitle(ctx, client, base, token)
	if err != nil {
		return nil, err
	}
	s.Log.Debug("reading sheet", logx.String("doc", s.DocKey), logx.String("sheet", title))

	rng := "'" + strings.ReplaceAll(title, "'", "''") + "'!A:A"
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?majorDimension=ROWS",
		base, url.PathEscape(s.DocKey), url.PathEscape(rng))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var vr struct {
		Values [][]string `json:"values"`
	}
	if err := doJSON(client, req, &vr); err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	out := make([]string, 0, len(vr.Values))
	for _, row := range vr.Values {
		if len(row) == 0 {
			out = append(out, "")
			continue
		}
		out = append(out, row[0])
	}
	return out, nil
}

// sheetTitle resolves the 1-based sheet number to its title.
func (s *Sheets) sheetTitle(ctx context.Context, client *http.Client, base, token string) (string, error) {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=%s",
		base, url.PathEscape(s.DocKey), url.QueryEscape("sheets.properties(title,index)"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var meta struct {
		Sheets []struct {
			Properties struct {
				Title string `json:"title"`
				Index int    `json:"index"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := doJSON(client, req, &meta); err != nil {
		return "", fmt.Errorf("read metadata: %w", err)
	}
	n := s.Sheet
	if n <= 0 {
		n = 1
	}
	for _, sh := range meta.Sheets {
		if sh.Properties.Index == n-1 {
			return sh.Properties.Title, nil
		}
	}
	return "", fmt.Errorf("sheet %d not found (document has %d)", n, len(meta.Sheets))
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
