package webhooksec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "top-secret"

func newTestVerifier() *Verifier {
	return NewVerifier(testSecret)
}

func TestVerifier_GenerateAndVerify_AllProviders(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"check_id":"c1","status":"approved"}`)
	timestamp := time.Now().Unix()

	for provider := range DefaultProfiles() {
		t.Run(provider, func(t *testing.T) {
			sig, err := v.Generate(payload, provider, timestamp, "")
			require.NoError(t, err)
			assert.True(t, v.Verify(payload, sig, provider, timestamp, ""))

			// Flipping a single byte must break verification
			tampered := append([]byte(nil), payload...)
			tampered[0] ^= 0x01
			assert.False(t, v.Verify(tampered, sig, provider, timestamp, ""))

			// A different timestamp changes the signed message
			assert.False(t, v.Verify(payload, sig, provider, timestamp+1, ""))
		})
	}
}

func TestVerifier_Generate_SignaturePrefix(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{}`)

	sig, err := v.Generate(payload, ProviderMock1, 0, "")
	require.NoError(t, err)
	assert.Contains(t, sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)

	sig, err = v.Generate(payload, ProviderVeriff, 0, "")
	require.NoError(t, err)
	assert.Contains(t, sig, "hmac-sha256=")
}

func TestVerifier_Generate_UnsupportedProvider(t *testing.T) {
	v := newTestVerifier()
	_, err := v.Generate([]byte("x"), "unknown_provider", 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestVerifier_Verify_CustomSecret(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"ok":true}`)

	sig, err := v.Generate(payload, ProviderJumio, 0, "provider-specific")
	require.NoError(t, err)
	assert.True(t, v.Verify(payload, sig, ProviderJumio, 0, "provider-specific"))
	assert.False(t, v.Verify(payload, sig, ProviderJumio, 0, ""))
}

func TestVerifier_ValidateTimestamp(t *testing.T) {
	v := newTestVerifier()
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	tolerance := DefaultProfiles()[ProviderMock1].TimestampTolerance
	toleranceSec := int64(tolerance.Seconds())

	tests := []struct {
		name      string
		timestamp int64
		valid     bool
	}{
		{"Current time", now.Unix(), true},
		{"Inside window (past)", now.Unix() - toleranceSec + 1, true},
		{"Inside window (future)", now.Unix() + toleranceSec - 1, true},
		{"Exactly at boundary (past)", now.Unix() - toleranceSec, true},
		{"Exactly at boundary (future)", now.Unix() + toleranceSec, true},
		{"Just outside window (past)", now.Unix() - toleranceSec - 1, false},
		{"Just outside window (future)", now.Unix() + toleranceSec + 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTimestamp(tt.timestamp, ProviderMock1, 0)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrTimestampOutOfRange)
			}
		})
	}
}

func TestVerifier_ValidateTimestamp_CustomTolerance(t *testing.T) {
	v := newTestVerifier()
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	assert.NoError(t, v.ValidateTimestamp(now.Unix()-30, ProviderMock1, time.Minute))
	assert.ErrorIs(t, v.ValidateTimestamp(now.Unix()-90, ProviderMock1, time.Minute), ErrTimestampOutOfRange)
}

func TestVerifier_ExtractSignature_CaseInsensitive(t *testing.T) {
	v := newTestVerifier()

	sig, err := v.ExtractSignature(map[string]string{"x-webhook-signature": "sha256=abc"}, ProviderMock1)
	require.NoError(t, err)
	assert.Equal(t, "sha256=abc", sig)

	sig, err = v.ExtractSignature(map[string]string{"Content-Type": "application/json"}, ProviderMock1)
	require.NoError(t, err)
	assert.Empty(t, sig)
}

func TestVerifier_ExtractTimestamp(t *testing.T) {
	v := newTestVerifier()

	ts, found, err := v.ExtractTimestamp(map[string]string{"X-WEBHOOK-TIMESTAMP": "1700000000"}, ProviderMock1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1_700_000_000), ts)

	_, found, err = v.ExtractTimestamp(map[string]string{"X-Webhook-Timestamp": "not-a-number"}, ProviderMock1)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = v.ExtractTimestamp(map[string]string{}, ProviderMock1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestVerifier_VerifyRequest_HappyPath(t *testing.T) {
	v := newTestVerifier()
	now := time.Now()
	v.now = func() time.Time { return now }

	payload := []byte(`{"check_id":"c1","status":"approved","result":{}}`)
	timestamp := now.Unix() - 2
	sig, err := v.Generate(payload, ProviderMock1, timestamp, "")
	require.NoError(t, err)

	headers := map[string]string{
		"X-Webhook-Signature": sig,
		"X-Webhook-Timestamp": fmt.Sprintf("%d", timestamp),
	}

	valid, report := v.VerifyRequest(payload, headers, ProviderMock1, "", true)
	assert.True(t, valid)
	assert.True(t, report.SignatureFound)
	assert.True(t, report.SignatureValid)
	assert.Equal(t, sig, report.Signature)
	assert.True(t, report.TimestampFound)
	assert.True(t, report.TimestampValid)
	assert.Empty(t, report.ErrorMessage)
}

func TestVerifier_VerifyRequest_MissingSignature(t *testing.T) {
	v := newTestVerifier()

	valid, report := v.VerifyRequest([]byte(`{}`), map[string]string{}, ProviderMock1, "", true)
	assert.False(t, valid)
	assert.False(t, report.SignatureFound)
	assert.Equal(t, "signature header not found", report.ErrorMessage)
}

func TestVerifier_VerifyRequest_StaleTimestamp(t *testing.T) {
	v := newTestVerifier()
	now := time.Now()
	v.now = func() time.Time { return now }

	payload := []byte(`{"check_id":"c1"}`)
	stale := now.Unix() - 3600
	sig, err := v.Generate(payload, ProviderMock1, stale, "")
	require.NoError(t, err)

	headers := map[string]string{
		"X-Webhook-Signature": sig,
		"X-Webhook-Timestamp": fmt.Sprintf("%d", stale),
	}

	// Mathematically valid signature, but the timestamp is a replay.
	valid, report := v.VerifyRequest(payload, headers, ProviderMock1, "", true)
	assert.False(t, valid)
	assert.True(t, report.SignatureFound)
	assert.True(t, report.TimestampFound)
	assert.False(t, report.TimestampValid)
	assert.Contains(t, report.ErrorMessage, "tolerance")
}

func TestVerifier_VerifyRequest_NoTimestampHeader(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"check_id":"c1"}`)
	sig, err := v.Generate(payload, ProviderMock1, 0, "")
	require.NoError(t, err)

	headers := map[string]string{"X-Webhook-Signature": sig}

	// No timestamp supplied: timestamp validity is treated as satisfied.
	valid, report := v.VerifyRequest(payload, headers, ProviderMock1, "", true)
	assert.True(t, valid)
	assert.False(t, report.TimestampFound)
	assert.True(t, report.TimestampValid)
}

func TestVerifier_VerifyRequest_BadSignature(t *testing.T) {
	v := newTestVerifier()
	headers := map[string]string{"X-Webhook-Signature": "sha256=deadbeef"}

	valid, report := v.VerifyRequest([]byte(`{}`), headers, ProviderMock1, "", true)
	assert.False(t, valid)
	assert.True(t, report.SignatureFound)
	assert.False(t, report.SignatureValid)
	assert.Equal(t, "invalid signature", report.ErrorMessage)
}

func TestVerifier_VerifyRequest_UnsupportedProvider(t *testing.T) {
	v := newTestVerifier()
	valid, report := v.VerifyRequest([]byte(`{}`), map[string]string{}, "unknown", "", true)
	assert.False(t, valid)
	assert.Contains(t, report.ErrorMessage, "unsupported webhook provider")
}
