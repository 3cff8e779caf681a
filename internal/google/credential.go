package google

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// State is the lifecycle state of the deployment's OAuth credential.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePending         State = "pending"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

// AllStates lists every credential state, for gauges and validation.
var AllStates = []string{
	string(StateUnauthenticated),
	string(StatePending),
	string(StateAuthenticated),
	string(StateExpired),
}

// Credential is the single OAuth credential record. Values are copied
// freely; the manager owns the authoritative one.
type Credential struct {
	State        State     `json:"state"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Outstanding consent flow, if any. Tokens from an earlier grant stay
	// usable while a new flow is pending.
	PendingState  string    `json:"pending_state,omitempty"`
	PendingExpiry time.Time `json:"pending_expiry,omitempty"`
}

// Token returns the credential as an oauth2 token.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// Usable reports whether the record holds a grant that can reach the
// calendar, possibly after a refresh.
func (c Credential) Usable() bool {
	if c.State == StateUnauthenticated {
		return false
	}
	return c.AccessToken != "" || c.RefreshToken != ""
}

// Expired reports whether the access token has expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// NeedsRefresh reports whether now is inside the safety margin before expiry.
func (c Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	return !c.Expiry.IsZero() && !now.Before(c.Expiry.Add(-margin))
}

func (c Credential) withToken(tok *oauth2.Token) Credential {
	next := c
	next.State = StateAuthenticated
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.TokenType = tok.TokenType
	next.Expiry = tok.Expiry
	return next
}

// EncodeTokenBlob renders tok as base64 JSON for environment bootstrap.
func EncodeTokenBlob(tok *oauth2.Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeTokenBlob parses a blob written by EncodeTokenBlob. It tolerates
// surrounding quotes, embedded whitespace, the URL-safe alphabet and
// missing padding, which is how these values tend to arrive from secret
// managers.
func DecodeTokenBlob(blob string) (*oauth2.Token, error) {
	data, err := DecodeLenientBase64(blob)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("token blob is not valid JSON: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token blob carries no token")
	}
	return &tok, nil
}

// DecodeLenientBase64 decodes standard or URL-safe base64 with or without
// padding, ignoring quotes and whitespace.
func DecodeLenientBase64(value string) ([]byte, error) {
	cleaned := strings.TrimSpace(value)
	if len(cleaned) >= 2 {
		first, last := cleaned[0], cleaned[len(cleaned)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			cleaned = cleaned[1 : len(cleaned)-1]
		}
	}
	cleaned = strings.Join(strings.Fields(cleaned), "")
	cleaned = strings.NewReplacer("-", "+", "_", "/").Replace(cleaned)
	cleaned = strings.TrimRight(cleaned, "=")

	data, err := base64.RawStdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}
