package federation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"outbox/pkg/types"
)

const (
	signatureMaxAge    = 12 * time.Hour
	signatureMaxFuture = time.Hour
)

// PublicKeyResolver maps a signature keyId to its actor and RSA public key.
type PublicKeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (types.Actor, *rsa.PublicKey, error)
}

// SignatureParams is a parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignatureHeader parses a Signature header value. An empty value returns
// ErrNotSigned; anything present but unusable is a *ParseError.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrNotSigned
	}

	fields, err := parseSignatureFields(value)
	if err != nil {
		return nil, err
	}

	params := &SignatureParams{
		KeyID:     fields["keyid"],
		Algorithm: strings.ToLower(fields["algorithm"]),
	}
	if params.KeyID == "" {
		return nil, &ParseError{Header: "Signature", Reason: "missing keyId"}
	}
	if params.Algorithm == "" {
		params.Algorithm = signatureAlgorithm
	}

	raw, ok := fields["signature"]
	if !ok || raw == "" {
		return nil, &ParseError{Header: "Signature", Reason: "missing signature"}
	}
	params.Signature, err = base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &ParseError{Header: "Signature", Reason: "signature is not base64"}
	}

	if headers, ok := fields["headers"]; ok {
		params.Headers = strings.Fields(strings.ToLower(headers))
	}
	if len(params.Headers) == 0 {
		params.Headers = []string{"date"}
	}
	return params, nil
}

// parseSignatureFields reads comma separated key="value" pairs.
func parseSignatureFields(value string) (map[string]string, error) {
	fields := make(map[string]string)
	rest := value
	for {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			return fields, nil
		}

		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, &ParseError{Header: "Signature", Reason: fmt.Sprintf("expected key=value near %q", truncateForError(rest))}
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]

		if !strings.HasPrefix(rest, `"`) {
			return nil, &ParseError{Header: "Signature", Reason: fmt.Sprintf("value of %s is not quoted", key)}
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, &ParseError{Header: "Signature", Reason: fmt.Sprintf("unterminated value for %s", key)}
		}
		fields[key] = rest[1 : end+1]
		rest = rest[end+2:]

		rest = strings.TrimLeft(rest, " \t")
		if rest != "" && rest[0] != ',' {
			return nil, &ParseError{Header: "Signature", Reason: fmt.Sprintf("unexpected data after %s", key)}
		}
	}
}

func truncateForError(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// Verifier checks HTTP signatures on inbound requests. A verified request proves
// its origin can reach us, so the origin's inboxes are cleared in the breaker.
type Verifier struct {
	keys    PublicKeyResolver
	tracker *FailureTracker
	clock   clock.Clock
	metrics *DeliveryMetrics
	logger  *zap.Logger

	maxBodySize int64
}

type VerifierOptions struct {
	// Tracker is optional.
	Tracker     *FailureTracker
	Clock       clock.Clock
	Metrics     *DeliveryMetrics
	MaxBodySize int64
}

func NewVerifier(keys PublicKeyResolver, opts VerifierOptions, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Verifier{
		keys:        keys,
		tracker:     opts.Tracker,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      logger,
		maxBodySize: opts.MaxBodySize,
	}
}

// Verify checks the signature of r, whose body has already been read into body,
// and returns the signing actor.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (types.Actor, error) {
	actor, err := v.verify(ctx, r, body)
	switch {
	case err == nil:
		v.metrics.signatureChecked("valid")
	case errors.Is(err, ErrNotSigned):
		v.metrics.signatureChecked("unsigned")
	default:
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			v.metrics.signatureChecked("malformed")
		} else {
			v.metrics.signatureChecked("invalid")
		}
	}
	if err != nil {
		return types.Actor{}, err
	}

	if v.tracker != nil {
		if err := v.tracker.TrackInverseSuccess(ctx, actor); err != nil {
			v.logger.Warn("Failed to record inverse success",
				zap.String("actor", actor.URI),
				zap.Error(err))
		}
	}
	return actor, nil
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte) (types.Actor, error) {
	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return types.Actor{}, err
	}

	if params.Algorithm != signatureAlgorithm && params.Algorithm != "hs2019" {
		return types.Actor{}, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidSignature, params.Algorithm)
	}
	if !containsField(params.Headers, "date") {
		return types.Actor{}, fmt.Errorf("%w: date is not signed", ErrInvalidSignature)
	}
	if r.Method == http.MethodPost && !containsField(params.Headers, "digest") {
		return types.Actor{}, fmt.Errorf("%w: digest is not signed", ErrInvalidSignature)
	}

	if err := v.checkDate(r.Header.Get("Date")); err != nil {
		return types.Actor{}, err
	}
	if containsField(params.Headers, "digest") {
		if err := checkDigest(r.Header.Get("Digest"), body); err != nil {
			return types.Actor{}, err
		}
	}

	actor, key, err := v.keys.PublicKey(ctx, params.KeyID)
	if err != nil {
		return types.Actor{}, fmt.Errorf("%w: failed to resolve key %s: %v", ErrInvalidSignature, params.KeyID, err)
	}

	header := r.Header.Clone()
	header.Set("Host", r.Host)
	target := strings.ToLower(r.Method) + " " + r.URL.RequestURI()
	signingString := buildSigningString(params.Headers, target, header)

	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], params.Signature); err != nil {
		return types.Actor{}, fmt.Errorf("%w: signature mismatch for %s", ErrInvalidSignature, params.KeyID)
	}
	return actor, nil
}

func (v *Verifier) checkDate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing Date header", ErrInvalidSignature)
	}
	date, err := http.ParseTime(value)
	if err != nil {
		return fmt.Errorf("%w: unparsable Date header", ErrInvalidSignature)
	}
	now := v.clock.Now()
	if now.Sub(date) > signatureMaxAge {
		return fmt.Errorf("%w: signed date %s is too old", ErrInvalidSignature, value)
	}
	if date.Sub(now) > signatureMaxFuture {
		return fmt.Errorf("%w: signed date %s is in the future", ErrInvalidSignature, value)
	}
	return nil
}

func checkDigest(value string, body []byte) error {
	if value == "" {
		return fmt.Errorf("%w: missing Digest header", ErrInvalidSignature)
	}
	want := strings.TrimPrefix(BodyDigest(body), "SHA-256=")
	for _, part := range strings.Split(value, ",") {
		algo, digest, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if digest != want {
			return fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
		}
		return nil
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrInvalidSignature)
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ActorFromContext returns the actor whose signature Middleware verified.
func ActorFromContext(ctx context.Context) (types.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(types.Actor)
	return actor, ok
}

// Middleware verifies every request before passing it on. Unsigned or invalid
// requests get 401, malformed signatures 400.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, v.maxBodySize))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		actor, err := v.Verify(r.Context(), r, body)
		if err != nil {
			var parseErr *ParseError
			status := http.StatusUnauthorized
			if errors.As(err, &parseErr) {
				status = http.StatusBadRequest
			}
			v.logger.Debug("Rejected inbound request",
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Error(err))
			http.Error(w, err.Error(), status)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	})
}
