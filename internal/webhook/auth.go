// Package webhook authenticates incoming alert requests: content type,
// per-source rate limit, HMAC-SHA256 signature, and body checks, in that
// order. A request rejected on signature does not consume rate budget.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Reason names why a request was rejected at the intake boundary.
type Reason string

const (
	ReasonBadContentType   Reason = "unsupported_content_type"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonMissingSignature Reason = "missing_signature"
	ReasonBadSignature     Reason = "invalid_signature"
	ReasonEmptyBody        Reason = "empty_body"
	ReasonBodyTooLarge     Reason = "body_too_large"
)

// HTTPStatus maps a rejection reason onto its HTTP response code.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonMissingSignature, ReasonBadSignature:
		return http.StatusUnauthorized
	case ReasonBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// Authenticator performs the ordered intake checks. Safe for concurrent use.
type Authenticator struct {
	secret  []byte
	limiter *SourceLimiter
	maxBody int64
	logger  *slog.Logger
}

// New builds an Authenticator. An empty secret disables the signature check.
func New(secret string, limit int, window time.Duration, maxBody int64, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		limiter: NewSourceLimiter(limit, window),
		maxBody: maxBody,
		logger:  logger.With("component", "webhook"),
	}
}

// MaxBody is the configured body cap in bytes.
func (a *Authenticator) MaxBody() int64 { return a.maxBody }

// SourceKey identifies the request origin: first forwarded IP when present,
// otherwise the direct peer address.
func SourceKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticate runs the intake checks against an already-read body.
// Returns the empty Reason on acceptance. oversized reports that the body
// read hit the size cap; it is checked after the signature so a forged
// oversized request still fails closed on auth.
func (a *Authenticator) Authenticate(contentType, signature, source string, body []byte, oversized bool) Reason {
	if !strings.HasPrefix(strings.ToLower(contentType), "application/json") {
		return ReasonBadContentType
	}

	res := a.limiter.Reserve(source)
	if res == nil {
		a.logger.Warn("rate limit exceeded", "source", source)
		return ReasonRateLimited
	}

	if len(a.secret) > 0 {
		if signature == "" {
			res.Cancel()
			return ReasonMissingSignature
		}
		if !a.verify(signature, body) {
			res.Cancel()
			a.logger.Warn("signature mismatch", "source", source)
			return ReasonBadSignature
		}
	}

	if oversized {
		return ReasonBodyTooLarge
	}
	if len(body) == 0 {
		return ReasonEmptyBody
	}
	return ""
}

// verify compares the header signature with HMAC-SHA256(body, secret) in
// constant time. Accepts an optional "sha256=" prefix.
func (a *Authenticator) verify(signature string, body []byte) bool {
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the hex signature for a body. Used by tests and the
// webhook test probe.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
