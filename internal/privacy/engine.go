// Package privacy decides what may be observed and strips sensitive values
// from everything that is.
//
// DESIGN: The engine sits between every observer and every buffer. Nothing is
// stored before passing through it, and a record that cannot be sanitized is
// dropped rather than stored raw (fail closed).
//
// Redaction order matters: structural redaction of credential-named JSON
// fields runs first (via gjson/sjson, keeping the body valid JSON), then
// generic pattern redaction over free text. Running patterns first could
// partially corrupt a quoted value the structural pass would have replaced
// whole.
package privacy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Marker replaces every sensitive value.
const Marker = "[REDACTED]"

// Policy controls what the engine excludes and redacts.
type Policy struct {
	ExcludedDomains     []string // exact host or *.suffix wildcard
	ExcludedPaths       []string // prefix or glob with * wildcards
	SensitivePatterns   []string // regex patterns applied to free text
	RedactSensitiveData bool
	RetentionDays       int
}

// sensitiveHeaders are always redacted regardless of configured patterns.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
}

// credentialFields are JSON field names whose values are always redacted.
var credentialFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"credit_card":   true,
	"card_number":   true,
	"cvv":           true,
	"ssn":           true,
	"private_key":   true,
}

// defaultPatterns catch common sensitive free-text shapes: emails, bearer
// tokens, credit card numbers, US social security numbers.
var defaultPatterns = []string{
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	`(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`,
	`\b(?:\d[ \-]?){13,16}\b`,
	`\b\d{3}-\d{2}-\d{4}\b`,
}

// Engine applies a Policy to URLs, headers, and bodies. Safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policy   Policy
	patterns []*regexp.Regexp
	consent  bool
	onPurge  []func()
}

// NewEngine compiles the policy's sensitive-data patterns (plus the built-in
// defaults) and returns an engine with consent granted.
func NewEngine(policy Policy) (*Engine, error) {
	e := &Engine{policy: policy, consent: true}
	if err := e.compile(policy); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) compile(policy Policy) error {
	raw := make([]string, 0, len(defaultPatterns)+len(policy.SensitivePatterns))
	raw = append(raw, defaultPatterns...)
	raw = append(raw, policy.SensitivePatterns...)

	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid sensitive data pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	e.patterns = patterns
	return nil
}

// UpdatePolicy replaces the policy. The engine keeps its previous policy when
// the new one fails to compile.
func (e *Engine) UpdatePolicy(policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.patterns
	if err := e.compile(policy); err != nil {
		e.patterns = prev
		return err
	}
	e.policy = policy
	return nil
}

// OnPurge registers a callback invoked when consent is revoked. Callbacks are
// expected to discard all previously captured data.
func (e *Engine) OnPurge(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPurge = append(e.onPurge, fn)
}

// SetConsent grants or revokes consent. Revoking purges everything captured
// so far via the registered callbacks.
func (e *Engine) SetConsent(granted bool) {
	e.mu.Lock()
	was := e.consent
	e.consent = granted
	callbacks := e.onPurge
	e.mu.Unlock()

	if was && !granted {
		for _, fn := range callbacks {
			fn()
		}
	}
}

// Consent reports whether monitoring consent is currently granted.
func (e *Engine) Consent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consent
}

// ShouldMonitor reports whether a URL may be observed at all. False when
// consent is revoked, the URL is unparsable, or the host/path is excluded.
func (e *Engine) ShouldMonitor(rawURL string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.consent {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range e.policy.ExcludedDomains {
		if matchDomain(host, d) {
			return false
		}
	}
	for _, p := range e.policy.ExcludedPaths {
		if matchPath(u.Path, p) {
			return false
		}
	}
	return true
}

// matchDomain matches exact hosts, their subdomains, and *.suffix wildcards.
func matchDomain(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	suffix := strings.TrimPrefix(pattern, "*.")
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// matchPath matches prefixes and glob patterns with * wildcards.
func matchPath(path, pattern string) bool {
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return strings.HasPrefix(path, pattern)
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(glob, "*") {
		if part != "" {
			b.WriteString(regexp.QuoteMeta(part))
		}
		b.WriteString(".*")
	}
	expr := strings.TrimSuffix(b.String(), ".*")
	return regexp.Compile(expr)
}

// IsExpired reports whether a capture timestamp falls outside the retention
// period.
func (e *Engine) IsExpired(ts time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	days := e.policy.RetentionDays
	if days <= 0 {
		return false
	}
	return time.Since(ts) > time.Duration(days)*24*time.Hour
}

// SanitizeURL strips userinfo and redacts credential-named query parameters.
func (e *Engine) SanitizeURL(rawURL string) string {
	if !e.redactionEnabled() {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return e.SanitizeText(rawURL)
	}
	u.User = nil
	q := u.Query()
	changed := false
	for key := range q {
		if credentialFields[strings.ToLower(key)] {
			q.Set(key, Marker)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return e.SanitizeText(u.String())
}

// SanitizeHeaders returns a copy with sensitive header values replaced.
// The input map is never mutated; observation must stay transparent.
func (e *Engine) SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	redact := e.redactionEnabled()
	for k, v := range headers {
		if redact && sensitiveHeaders[strings.ToLower(k)] {
			out[k] = Marker
			continue
		}
		if redact {
			v = e.SanitizeText(v)
		}
		out[k] = v
	}
	return out
}

// SanitizeBody redacts a payload. JSON bodies get structural field redaction
// first (the result remains valid JSON), then generic pattern redaction.
func (e *Engine) SanitizeBody(body string) (string, error) {
	if body == "" || !e.redactionEnabled() {
		return body, nil
	}
	if gjson.Valid(body) {
		redacted, err := redactJSON(body)
		if err != nil {
			return "", fmt.Errorf("structural redaction failed: %w", err)
		}
		body = redacted
	}
	return e.SanitizeText(body), nil
}

// SanitizeText applies the compiled sensitive-data patterns to free text.
func (e *Engine) SanitizeText(text string) string {
	e.mu.RLock()
	patterns := e.patterns
	enabled := e.policy.RedactSensitiveData
	e.mu.RUnlock()

	if !enabled {
		return text
	}
	for _, re := range patterns {
		text = re.ReplaceAllString(text, Marker)
	}
	return text
}

func (e *Engine) redactionEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.RedactSensitiveData
}

// redactJSON walks the document and replaces values of credential-named
// fields using sjson, preserving structural integrity.
func redactJSON(body string) (string, error) {
	var paths []string
	collectCredentialPaths(gjson.Parse(body), "", &paths)

	var err error
	for _, p := range paths {
		body, err = sjson.Set(body, p, Marker)
		if err != nil {
			return "", err
		}
	}
	return body, nil
}

func collectCredentialPaths(value gjson.Result, prefix string, paths *[]string) {
	value.ForEach(func(key, child gjson.Result) bool {
		seg := key.String()
		path := escapePathSegment(seg)
		if prefix != "" {
			path = prefix + "." + escapePathSegment(seg)
		}
		if key.Type == gjson.String && credentialFields[strings.ToLower(seg)] {
			*paths = append(*paths, path)
			return true
		}
		if child.IsObject() || child.IsArray() {
			collectCredentialPaths(child, path, paths)
		}
		return true
	})
}

// escapePathSegment backslash-escapes the characters gjson and sjson treat
// as path syntax. A JSON key may legally contain any of them; without
// escaping, a credential nested under such a key would be missed or the
// marker written to the wrong location.
func escapePathSegment(seg string) string {
	if !strings.ContainsAny(seg, `.*?|#@\`) {
		return seg
	}
	var b strings.Builder
	b.Grow(len(seg) + 2)
	for _, r := range seg {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
