package tsig_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredns-labs/authdns/internal/tsig"
)

type fakeKeys struct {
	name, algorithm, secret string
}

func (f fakeKeys) SecretFor(name, algorithm string) (string, bool, error) {
	if name != f.name || algorithm != f.algorithm {
		return "", false, nil
	}
	return f.secret, true, nil
}

func buildSignedMessage(t *testing.T, keyName, algorithm, secretB64 string, now time.Time) []byte {
	t.Helper()
	msg := make([]byte, 12)
	msg[11] = 0 // ARCOUNT bumped below

	rr, err := tsig.Sign(msg, keyName, algorithm, secretB64, nil, now, tsig.DefaultFudge, 0x1234)
	require.NoError(t, err)

	msg[10] = 0
	msg[11] = 1
	return append(msg, rr...)
}

func TestVerifyRoundTrip(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("supersecretkeybytes"))
	now := time.Unix(1_700_000_000, 0)
	msg := buildSignedMessage(t, "axfr-key.", tsig.AlgHMACSHA256, secret, now)

	// Names decoded off the wire carry no trailing dot.
	keys := fakeKeys{name: "axfr-key", algorithm: tsig.AlgHMACSHA256, secret: secret}
	rec, err := tsig.Verify(msg, keys, now)
	require.NoError(t, err)
	assert.Equal(t, "axfr-key", rec.Name)
}

func TestVerifyRejectsBadMAC(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("supersecretkeybytes"))
	now := time.Unix(1_700_000_000, 0)
	msg := buildSignedMessage(t, "axfr-key.", tsig.AlgHMACSHA256, secret, now)
	msg[len(msg)-7] ^= 0xFF // corrupt the MAC's last byte (Original ID, Error and Other Len follow it)

	keys := fakeKeys{name: "axfr-key", algorithm: tsig.AlgHMACSHA256, secret: secret}
	_, err := tsig.Verify(msg, keys, now)
	assert.ErrorIs(t, err, tsig.ErrBadMAC)
}

func TestVerifyRejectsStaleTime(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("supersecretkeybytes"))
	now := time.Unix(1_700_000_000, 0)
	msg := buildSignedMessage(t, "axfr-key.", tsig.AlgHMACSHA256, secret, now)

	keys := fakeKeys{name: "axfr-key", algorithm: tsig.AlgHMACSHA256, secret: secret}
	_, err := tsig.Verify(msg, keys, now.Add(time.Hour))
	assert.ErrorIs(t, err, tsig.ErrBadTime)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("supersecretkeybytes"))
	now := time.Unix(1_700_000_000, 0)
	msg := buildSignedMessage(t, "axfr-key.", tsig.AlgHMACSHA256, secret, now)

	keys := fakeKeys{name: "other-key.", algorithm: tsig.AlgHMACSHA256, secret: "x"}
	_, err := tsig.Verify(msg, keys, now)
	assert.ErrorIs(t, err, tsig.ErrUnknownKey)
}
