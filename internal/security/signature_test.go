package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerify_ValidSignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"type":"checkout.completed"}`)
	now := time.Unix(1_700_000_000, 0)

	header := Sign(secret, payload, now)
	v := NewVerifier(secret, 0)

	err := v.Verify(header, payload, now)
	assert.NoError(t, err)
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"type":"checkout.completed"}`)
	now := time.Unix(1_700_000_000, 0)

	header := Sign("whsec_real", payload, now)
	v := NewVerifier("whsec_other", 0)

	err := v.Verify(header, payload, now)
	assert.Error(t, err)
}

func TestVerify_StaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"type":"checkout.completed"}`)
	signedAt := time.Unix(1_700_000_000, 0)
	now := signedAt.Add(10 * time.Minute)

	header := Sign(secret, payload, signedAt)
	v := NewVerifier(secret, 300)

	err := v.Verify(header, payload, now)
	assert.Error(t, err)
}

func TestVerify_TamperedPayload(t *testing.T) {
	secret := "whsec_test"
	now := time.Unix(1_700_000_000, 0)

	header := Sign(secret, []byte(`{"type":"checkout.completed"}`), now)
	v := NewVerifier(secret, 0)

	err := v.Verify(header, []byte(`{"type":"checkout.completed","amount":0}`), now)
	assert.Error(t, err)
}

func TestVerify_MalformedHeader(t *testing.T) {
	v := NewVerifier("whsec_test", 0)
	err := v.Verify("not-a-valid-header", []byte("{}"), time.Now())
	assert.Error(t, err)
}

func TestVerify_BadSignatureAndStaleTimestampAreIndistinguishable(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{}`)
	signedAt := time.Unix(1_700_000_000, 0)
	v := NewVerifier(secret, 300)

	badSig := Sign("wrong_secret", payload, signedAt)
	errBadSig := v.Verify(badSig, payload, signedAt)

	staleSig := Sign(secret, payload, signedAt)
	errStale := v.Verify(staleSig, payload, signedAt.Add(time.Hour))

	assert.EqualError(t, errBadSig, errStale.Error())
}
