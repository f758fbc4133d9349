// Package security implements the L2 signature verifier: HMAC-SHA256 over
// "timestamp.payload", header format "t=<unix>,v1=<hex-hmac>".
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
)

const defaultTolerance = 5 * time.Minute

// Verifier checks inbound webhook signatures against a shared secret.
// Tolerance bounds how far the signed timestamp may drift from now.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewVerifier builds a Verifier. toleranceSeconds <= 0 uses the 5 minute
// default from spec.
func NewVerifier(secret string, toleranceSeconds int64) *Verifier {
	tol := defaultTolerance
	if toleranceSeconds > 0 {
		tol = time.Duration(toleranceSeconds) * time.Second
	}
	return &Verifier{secret: []byte(secret), tolerance: tol}
}

// Verify checks header against the HMAC of timestamp.payload. It
// deliberately returns one opaque error for both a bad signature and a
// stale timestamp — a caller must never be able to distinguish "the secret
// is wrong" from "this was replayed", since both collapse to "reject".
func (v *Verifier) Verify(header string, payload []byte, now time.Time) error {
	ts, sig, err := parseHeader(header)
	if err != nil {
		return errs.New(errs.Validation, "security.Verify", fmt.Errorf("rejected"))
	}

	signedAt := time.Unix(ts, 0)
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	given, decodeErr := hex.DecodeString(sig)

	sigOK := decodeErr == nil && subtle.ConstantTimeCompare(expected, given) == 1
	tsOK := drift <= v.tolerance

	if !sigOK || !tsOK {
		return errs.New(errs.Validation, "security.Verify", fmt.Errorf("rejected"))
	}
	return nil
}

// parseHeader splits "t=<unix>,v1=<hex>" into its two fields.
func parseHeader(header string) (int64, string, error) {
	var ts int64
	var sig string
	var haveTS, haveSig bool

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("malformed timestamp")
			}
			ts = parsed
			haveTS = true
		case "v1":
			sig = kv[1]
			haveSig = true
		}
	}

	if !haveTS || !haveSig {
		return 0, "", fmt.Errorf("malformed signature header")
	}
	return ts, sig, nil
}

// Sign produces the header value for a given timestamp and payload. Used by
// tests.
func Sign(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	unix := ts.Unix()
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}
