package webhooksec

import "time"

// Scheme identifies the HMAC algorithm a provider signs with
type Scheme string

const (
	SchemeHMACSHA1   Scheme = "hmac_sha1"
	SchemeHMACSHA256 Scheme = "hmac_sha256"
	SchemeHMACSHA512 Scheme = "hmac_sha512"
)

// Provider names known to the gateway
const (
	ProviderMock1  = "mock_provider_1"
	ProviderMock2  = "mock_provider_2"
	ProviderJumio  = "jumio"
	ProviderOnfido = "onfido"
	ProviderVeriff = "veriff"
)

// ProviderProfile is the static security configuration for one provider:
// which HMAC scheme it uses, which headers carry the signature and sender
// timestamp, and how stale a timestamp may be before the request is treated
// as a replay.
type ProviderProfile struct {
	Scheme             Scheme
	SignatureHeader    string
	SignaturePrefix    string
	TimestampHeader    string
	TimestampTolerance time.Duration
}

// DefaultProfiles returns the built-in provider security profiles.
func DefaultProfiles() map[string]ProviderProfile {
	return map[string]ProviderProfile{
		ProviderMock1: {
			Scheme:             SchemeHMACSHA256,
			SignatureHeader:    "X-Webhook-Signature",
			SignaturePrefix:    "sha256=",
			TimestampHeader:    "X-Webhook-Timestamp",
			TimestampTolerance: 5 * time.Minute,
		},
		ProviderMock2: {
			Scheme:             SchemeHMACSHA512,
			SignatureHeader:    "X-Provider-Signature",
			SignaturePrefix:    "sha512=",
			TimestampHeader:    "X-Provider-Timestamp",
			TimestampTolerance: 10 * time.Minute,
		},
		ProviderJumio: {
			Scheme:             SchemeHMACSHA256,
			SignatureHeader:    "X-Jumio-Signature",
			SignaturePrefix:    "sha256=",
			TimestampHeader:    "X-Jumio-Timestamp",
			TimestampTolerance: 5 * time.Minute,
		},
		ProviderOnfido: {
			Scheme:             SchemeHMACSHA1,
			SignatureHeader:    "X-SHA1-Signature",
			SignaturePrefix:    "sha1=",
			TimestampHeader:    "X-Onfido-Timestamp",
			TimestampTolerance: 5 * time.Minute,
		},
		ProviderVeriff: {
			Scheme:             SchemeHMACSHA256,
			SignatureHeader:    "X-Veriff-Signature",
			SignaturePrefix:    "hmac-sha256=",
			TimestampHeader:    "X-Veriff-Timestamp",
			TimestampTolerance: 5 * time.Minute,
		},
	}
}
