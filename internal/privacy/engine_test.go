package privacy_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pagelens/page-monitor/internal/privacy"
)

func newEngine(t *testing.T, policy privacy.Policy) *privacy.Engine {
	t.Helper()
	e, err := privacy.NewEngine(policy)
	require.NoError(t, err)
	return e
}

// =============================================================================
// SHOULD MONITOR
// =============================================================================

func TestShouldMonitor_ExcludedDomains(t *testing.T) {
	e := newEngine(t, privacy.Policy{
		ExcludedDomains: []string{"bank.example.com", "*.internal.org"},
	})

	// Exact host and any subdomain of an excluded domain are denied.
	assert.False(t, e.ShouldMonitor("https://bank.example.com/home"))
	assert.False(t, e.ShouldMonitor("https://api.bank.example.com/v1"))
	assert.False(t, e.ShouldMonitor("https://admin.internal.org/"))
	assert.False(t, e.ShouldMonitor("https://internal.org/"), "wildcard also covers the bare suffix")

	// Everything else is allowed while consent is granted.
	assert.True(t, e.ShouldMonitor("https://example.com/home"))
	assert.True(t, e.ShouldMonitor("https://notbank.example.org/"))
}

func TestShouldMonitor_ExcludedPaths(t *testing.T) {
	e := newEngine(t, privacy.Policy{
		ExcludedPaths: []string{"/admin", "/api/*/secrets"},
	})

	assert.False(t, e.ShouldMonitor("https://example.com/admin"))
	assert.False(t, e.ShouldMonitor("https://example.com/admin/users"))
	assert.False(t, e.ShouldMonitor("https://example.com/api/v2/secrets"))
	assert.True(t, e.ShouldMonitor("https://example.com/public"))
	assert.True(t, e.ShouldMonitor("https://example.com/api/v2/things"))
}

func TestShouldMonitor_UnparsableURL(t *testing.T) {
	e := newEngine(t, privacy.Policy{})

	assert.False(t, e.ShouldMonitor("://not-a-url"))
	assert.False(t, e.ShouldMonitor(""))
}

func TestShouldMonitor_ConsentRevoked(t *testing.T) {
	e := newEngine(t, privacy.Policy{})
	purged := false
	e.OnPurge(func() { purged = true })

	require.True(t, e.ShouldMonitor("https://example.com/"))

	e.SetConsent(false)
	assert.False(t, e.ShouldMonitor("https://example.com/"))
	assert.True(t, purged, "revoking consent purges captured data")

	e.SetConsent(true)
	assert.True(t, e.ShouldMonitor("https://example.com/"))
}

// =============================================================================
// SANITIZATION
// =============================================================================

func TestSanitizeBody_JSONStaysValid(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: true})

	body := `{"username":"alice","password":"secret123","profile":{"token":"abc","bio":"hi"}}`
	out, err := e.SanitizeBody(body)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed), "redacted body must remain valid JSON")

	assert.Equal(t, privacy.Marker, gjson.Get(out, "password").String())
	assert.Equal(t, privacy.Marker, gjson.Get(out, "profile.token").String())
	assert.Equal(t, "alice", gjson.Get(out, "username").String())
	assert.Equal(t, "hi", gjson.Get(out, "profile.bio").String())
}

func TestSanitizeBody_CredentialUnderSpecialCharacterKey(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: true})

	// Keys containing gjson path syntax are legal JSON; the credential
	// nested under them must still be found and redacted in place.
	body := `{"auth.v2":{"password":"hunter2","note":"keep"},"a*b":{"token":"t0k3n"}}`
	out, err := e.SanitizeBody(body)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed), "redacted body must remain valid JSON")

	inner, ok := parsed["auth.v2"].(map[string]any)
	require.True(t, ok, "the dotted key itself must survive untouched")
	assert.Equal(t, privacy.Marker, inner["password"])
	assert.Equal(t, "keep", inner["note"])

	starred, ok := parsed["a*b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, privacy.Marker, starred["token"])
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "t0k3n")
}

func TestSanitizeBody_PlainTextEmail(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: true})

	out, err := e.SanitizeBody("contact me at alice@example.com please")
	require.NoError(t, err)
	assert.Equal(t, "contact me at "+privacy.Marker+" please", out)
}

func TestSanitizeBody_RedactionDisabled(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: false})

	body := `{"password":"secret123"}`
	out, err := e.SanitizeBody(body)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestSanitizeBody_CustomPattern(t *testing.T) {
	e := newEngine(t, privacy.Policy{
		RedactSensitiveData: true,
		SensitivePatterns:   []string{`ACCT-\d{6}`},
	})

	out, err := e.SanitizeBody("ref ACCT-123456 ok")
	require.NoError(t, err)
	assert.Equal(t, "ref "+privacy.Marker+" ok", out)
}

func TestSanitizeHeaders(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: true})

	in := map[string]string{
		"Authorization": "Bearer tok123",
		"Cookie":        "session=abc",
		"Content-Type":  "application/json",
	}
	out := e.SanitizeHeaders(in)

	assert.Equal(t, privacy.Marker, out["Authorization"])
	assert.Equal(t, privacy.Marker, out["Cookie"])
	assert.Equal(t, "application/json", out["Content-Type"])
	assert.Equal(t, "Bearer tok123", in["Authorization"], "input must not be mutated")
}

func TestSanitizeURL(t *testing.T) {
	e := newEngine(t, privacy.Policy{RedactSensitiveData: true})

	out := e.SanitizeURL("https://user:pw@example.com/cb?token=abc123&page=2")
	assert.NotContains(t, out, "user:pw")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "page=2")
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	_, err := privacy.NewEngine(privacy.Policy{SensitivePatterns: []string{"["}})
	assert.Error(t, err)
}

func TestUpdatePolicy_RejectsInvalidWithoutMutating(t *testing.T) {
	e := newEngine(t, privacy.Policy{ExcludedDomains: []string{"blocked.com"}})

	err := e.UpdatePolicy(privacy.Policy{SensitivePatterns: []string{"("}})
	require.Error(t, err)

	// Previous policy still in force.
	assert.False(t, e.ShouldMonitor("https://blocked.com/"))
}

// =============================================================================
// RETENTION
// =============================================================================

func TestIsExpired(t *testing.T) {
	e := newEngine(t, privacy.Policy{RetentionDays: 7})

	assert.False(t, e.IsExpired(time.Now().Add(-24*time.Hour)))
	assert.True(t, e.IsExpired(time.Now().Add(-8*24*time.Hour)))
}

func TestIsExpired_NoRetention(t *testing.T) {
	e := newEngine(t, privacy.Policy{})
	assert.False(t, e.IsExpired(time.Now().Add(-1000*24*time.Hour)))
}
