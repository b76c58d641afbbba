package webhooksec

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnsupportedProvider is returned when no security profile exists
	// for the claimed provider.
	ErrUnsupportedProvider = errors.New("unsupported webhook provider")

	// ErrUnsupportedScheme is returned for a profile with an unknown HMAC scheme.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")

	// ErrTimestampOutOfRange is returned when a sender timestamp falls
	// outside the provider's tolerance window (replay defense).
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance window")
)

// Report breaks a verification decision into inspectable sub-results so
// failures are diagnosable. The boolean returned alongside it is the only
// authoritative security decision.
type Report struct {
	SignatureFound bool   `json:"signature_found"`
	SignatureValid bool   `json:"signature_valid"`
	TimestampFound bool   `json:"timestamp_found"`
	TimestampValid bool   `json:"timestamp_valid"`
	Signature      string `json:"-"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Verifier authenticates inbound webhook requests against per-provider
// security profiles. Construct once at startup and inject; there is no
// package-level default instance.
type Verifier struct {
	secret   string
	profiles map[string]ProviderProfile
	now      func() time.Time
}

// NewVerifier creates a verifier with the built-in provider profiles.
func NewVerifier(secret string) *Verifier {
	return NewVerifierWithProfiles(secret, DefaultProfiles())
}

// NewVerifierWithProfiles creates a verifier with a custom profile set.
func NewVerifierWithProfiles(secret string, profiles map[string]ProviderProfile) *Verifier {
	return &Verifier{
		secret:   secret,
		profiles: profiles,
		now:      time.Now,
	}
}

// Profile returns the security profile for a provider.
func (v *Verifier) Profile(provider string) (ProviderProfile, error) {
	profile, ok := v.profiles[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return ProviderProfile{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return profile, nil
}

func hashFuncForScheme(scheme Scheme) (func() hash.Hash, error) {
	switch scheme {
	case SchemeHMACSHA1:
		return sha1.New, nil
	case SchemeHMACSHA256:
		return sha256.New, nil
	case SchemeHMACSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// Generate computes the provider-formatted signature for a payload. When
// timestamp > 0 the signed message is "{timestamp}.{payload}"; otherwise the
// raw payload is signed. An empty secret falls back to the verifier default.
func (v *Verifier) Generate(payload []byte, provider string, timestamp int64, secret string) (string, error) {
	profile, err := v.Profile(provider)
	if err != nil {
		return "", err
	}

	hashFunc, err := hashFuncForScheme(profile.Scheme)
	if err != nil {
		return "", err
	}

	message := payload
	if timestamp > 0 {
		message = []byte(fmt.Sprintf("%d.%s", timestamp, payload))
	}

	signingSecret := secret
	if signingSecret == "" {
		signingSecret = v.secret
	}

	mac := hmac.New(hashFunc, []byte(signingSecret))
	mac.Write(message)
	return profile.SignaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the expected signature and compares it in constant
// time. Any internal failure is treated as verification failure, never
// propagated.
func (v *Verifier) Verify(payload []byte, signature, provider string, timestamp int64, secret string) bool {
	expected, err := v.Generate(payload, provider, timestamp, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ValidateTimestamp rejects sender timestamps outside the tolerance window
// around now (boundary inclusive). A zero tolerance uses the provider
// default.
func (v *Verifier) ValidateTimestamp(timestamp int64, provider string, tolerance time.Duration) error {
	profile, err := v.Profile(provider)
	if err != nil {
		return err
	}

	if tolerance <= 0 {
		tolerance = profile.TimestampTolerance
	}

	diff := v.now().Unix() - timestamp
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(tolerance.Seconds()) {
		return fmt.Errorf("%w: timestamp %d differs from server time by %ds (tolerance %ds)",
			ErrTimestampOutOfRange, timestamp, diff, int64(tolerance.Seconds()))
	}
	return nil
}

// ExtractSignature performs a case-insensitive lookup of the provider's
// signature header. An empty string means the header is absent.
func (v *Verifier) ExtractSignature(headers map[string]string, provider string) (string, error) {
	profile, err := v.Profile(provider)
	if err != nil {
		return "", err
	}
	return headerLookup(headers, profile.SignatureHeader), nil
}

// ExtractTimestamp performs a case-insensitive lookup of the provider's
// timestamp header. found is false when the header is absent or not an
// integer.
func (v *Verifier) ExtractTimestamp(headers map[string]string, provider string) (timestamp int64, found bool, err error) {
	profile, err := v.Profile(provider)
	if err != nil {
		return 0, false, err
	}

	raw := headerLookup(headers, profile.TimestampHeader)
	if raw == "" {
		return 0, false, nil
	}
	ts, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return 0, false, nil
	}
	return ts, true, nil
}

func headerLookup(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

// VerifyRequest is the single entry point the ingestion boundary calls.
// It extracts the signature and (optionally) timestamp from headers,
// validates the timestamp and recomputes the signature. The returned bool
// is the authoritative pass/fail; the report is for diagnostics only.
func (v *Verifier) VerifyRequest(payload []byte, headers map[string]string, provider, secret string, validateTimestamp bool) (bool, Report) {
	report := Report{}

	signature, err := v.ExtractSignature(headers, provider)
	if err != nil {
		report.ErrorMessage = err.Error()
		return false, report
	}
	if signature == "" {
		report.ErrorMessage = "signature header not found"
		return false, report
	}
	report.SignatureFound = true
	report.Signature = signature

	var timestamp int64
	if validateTimestamp {
		ts, found, err := v.ExtractTimestamp(headers, provider)
		if err != nil {
			report.ErrorMessage = err.Error()
			return false, report
		}
		if found {
			report.TimestampFound = true
			if err := v.ValidateTimestamp(ts, provider, 0); err != nil {
				report.ErrorMessage = err.Error()
				return false, report
			}
			report.TimestampValid = true
			timestamp = ts
		} else {
			// Provider did not supply a timestamp; not all providers
			// use the replay defense.
			report.TimestampValid = true
		}
	} else {
		report.TimestampValid = true
	}

	if !v.Verify(payload, signature, provider, timestamp, secret) {
		report.ErrorMessage = "invalid signature"
		return false, report
	}
	report.SignatureValid = true

	return true, report
}
