package devserver

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestIssueTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token := IssueToken("secret", "u1", time.Hour, now)
	claims, authErr := parseBearer("Bearer "+token, "secret", now)
	if authErr != nil {
		t.Fatalf("parse: %v", authErr)
	}
	if claims.UserID != "u1" || claims.Exp != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseTokenRejections(t *testing.T) {
	now := time.Now()
	good := IssueToken("secret", "u1", time.Hour, now)

	cases := map[string]struct {
		header string
		secret string
		want   string
	}{
		"missing bearer":  {header: good, secret: "secret", want: "missing or invalid bearer token"},
		"bad format":      {header: "Bearer abc", secret: "secret", want: "invalid jwt format"},
		"wrong secret":    {header: "Bearer " + good, secret: "other", want: "jwt signature mismatch"},
		"expired":         {header: "Bearer " + IssueToken("secret", "u1", -time.Second, now), secret: "secret", want: "token expired"},
		"wrong audience":  {header: "Bearer " + tokenWithClaims("secret", map[string]any{"sub": "u1", "aud": "other", "exp": now.Add(time.Hour).Unix()}), secret: "secret", want: "invalid aud claim"},
		"missing subject": {header: "Bearer " + tokenWithClaims("secret", map[string]any{"aud": tokenAudience, "exp": now.Add(time.Hour).Unix()}), secret: "secret", want: "missing sub claim"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, authErr := parseBearer(tc.header, tc.secret, now)
			if authErr == nil {
				t.Fatalf("expected rejection")
			}
			if authErr.status != 401 || authErr.message != tc.want {
				t.Fatalf("expected %q, got %d %q", tc.want, authErr.status, authErr.message)
			}
		})
	}
}

func TestVerifyInternalHMAC(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"room":"","event":"notification"}`)
	timestamp := now.Format(time.RFC3339)
	signature := SignInternal("internal", timestamp, body)

	if authErr := verifyInternalHMAC("internal", timestamp, strings.ToUpper(signature), body, now, time.Minute); authErr != nil {
		t.Fatalf("expected valid signature, got %v", authErr)
	}
	if authErr := verifyInternalHMAC("internal", timestamp, signature, []byte("tampered"), now, time.Minute); authErr == nil {
		t.Fatalf("expected tampered body to fail")
	}
	if authErr := verifyInternalHMAC("internal", timestamp, signature, body, now.Add(2*time.Minute), time.Minute); authErr == nil {
		t.Fatalf("expected stale timestamp to fail")
	}
	if authErr := verifyInternalHMAC("internal", "", signature, body, now, time.Minute); authErr == nil {
		t.Fatalf("expected missing timestamp to fail")
	}
}

func tokenWithClaims(secret string, claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, _ := json.Marshal(claims)
	body := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + base64.RawURLEncoding.EncodeToString(sign(secret, body))
}
