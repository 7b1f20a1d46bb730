package federation

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"outbox/pkg/auth"
)

const (
	signatureAlgorithm = "rsa-sha256"
	requestTargetField = "(request-target)"
	activityJSON       = "application/activity+json"
)

// signedHeaders is the ordered header set every outbound request signs.
var signedHeaders = []string{requestTargetField, "host", "date", "digest"}

// SignedRequest is one outbound request with its signature headers attached. It
// keeps the signing key so the request can be re-signed for a redirect target.
type SignedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	keyID string
	key   *rsa.PrivateKey
}

// RequestTarget is the (request-target) value that was signed.
func (r *SignedRequest) RequestTarget() string {
	return RequestTarget(r.Method, r.URL)
}

// KeyID is the keyId the request was signed with.
func (r *SignedRequest) KeyID() string {
	return r.keyID
}

// sign sets Host, Date and Digest and replaces the Signature header.
func (r *SignedRequest) sign(now time.Time) error {
	if r.key == nil {
		return &ValidationError{Reason: "request has no signing key"}
	}

	r.Header.Set("Host", r.URL.Host)
	r.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	r.Header.Set("Digest", BodyDigest(r.Body))

	signingString := buildSigningString(signedHeaders, r.RequestTarget(), r.Header)
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, r.key, crypto.SHA256, hashed[:])
	if err != nil {
		return &ValidationError{Reason: "failed to sign request", Err: err}
	}

	r.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		r.keyID,
		signatureAlgorithm,
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(sig)))
	return nil
}

func (r *SignedRequest) clone() *SignedRequest {
	c := *r
	u := *r.URL
	c.URL = &u
	c.Header = r.Header.Clone()
	return &c
}

// retarget prepares the request for a redirect destination and signs it again.
func (r *SignedRequest) retarget(method string, u *url.URL, keepBody bool, now time.Time) error {
	r.Method = method
	r.URL = u
	if !keepBody {
		r.Body = nil
		r.Header.Del("Content-Type")
	}
	return r.sign(now)
}

// BodyDigest renders the Digest header value for body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// buildSigningString joins "name: value" lines for each header in order. The
// (request-target) pseudo-header takes its value from target.
func buildSigningString(headers []string, target string, h http.Header) string {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		name = strings.ToLower(name)
		if name == requestTargetField {
			lines = append(lines, name+": "+target)
			continue
		}
		lines = append(lines, name+": "+strings.Join(h.Values(name), ", "))
	}
	return strings.Join(lines, "\n")
}

// RequestSigner builds signed requests on behalf of local actors.
type RequestSigner struct {
	keys      auth.KeyProvider
	userAgent string
	clock     clock.Clock
	logger    *zap.Logger
}

type SignerOptions struct {
	UserAgent string
	Clock     clock.Clock
}

func NewRequestSigner(keys auth.KeyProvider, opts SignerOptions, logger *zap.Logger) *RequestSigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "outbox"
	}
	return &RequestSigner{
		keys:      keys,
		userAgent: opts.UserAgent,
		clock:     opts.Clock,
		logger:    logger,
	}
}

// Build normalizes rawURL and signs a request to it as actorURI. A missing or
// unusable key is a *ValidationError.
func (s *RequestSigner) Build(ctx context.Context, method, rawURL string, body []byte, actorURI string) (*SignedRequest, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	key, err := s.keys.PrivateKey(ctx, actorURI)
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) || errors.Is(err, auth.ErrInvalidKey) {
			return nil, &ValidationError{Reason: "no signing key for " + actorURI, Err: err}
		}
		return nil, fmt.Errorf("failed to load signing key for %s: %w", actorURI, err)
	}
	if key == nil {
		return nil, &ValidationError{Reason: "no signing key for " + actorURI}
	}

	method = strings.ToUpper(method)
	req := &SignedRequest{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
		keyID:  actorURI + "#main-key",
		key:    key,
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", activityJSON)
	if len(body) > 0 {
		req.Header.Set("Content-Type", activityJSON)
	}

	if err := req.sign(s.clock.Now()); err != nil {
		return nil, err
	}

	s.logger.Debug("Signed request",
		zap.String("method", method),
		zap.String("url", u.String()),
		zap.String("key_id", req.keyID))
	return req, nil
}
