package webhook

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/security"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// newTestHandler builds a Handler whose DB-backed fields are left nil. This
// mirrors the corpus's own webhook test style: the request-validation
// surface (signature, parsing, struct tags) is exercised directly, never a
// live database, since database.Database.Pool is a concrete *pgxpool.Pool
// with no seam to mock.
func newTestHandler(secret string) *Handler {
	return New(
		security.NewVerifier(secret, 300),
		idempotency.NewStore(nil),
		nil,
		nil,
		nil,
		config.WebhookConfig{BcryptCost: 10, TempPasswordBytes: 16, DedupeCacheTTL: time.Hour},
		24*time.Hour,
		5,
		zap.NewNop(),
	)
}

func TestServeHTTP_RejectsInvalidSignature(t *testing.T) {
	h := newTestHandler("whsec_test")
	body := `{"eventId":"e_001","kind":"checkout.completed","sessionId":"cs_001","email":"alice@example.com","productCode":"hosting-basic","period":"monthly","amountMinor":799,"currency":"USD","domain":"alice.example.com"}`

	req := httptest.NewRequest("POST", "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestServeHTTP_RejectsMissingSignatureHeader(t *testing.T) {
	h := newTestHandler("whsec_test")
	body := `{"eventId":"e_001"}`

	req := httptest.NewRequest("POST", "/webhooks/payments", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestServeHTTP_RejectsMalformedJSON(t *testing.T) {
	secret := "whsec_test"
	h := newTestHandler(secret)
	body := []byte(`{not json`)

	req := httptest.NewRequest("POST", "/webhooks/payments", strings.NewReader(string(body)))
	req.Header.Set("Signature", security.Sign(secret, body, time.Now()))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "malformed payload")
}

func TestServeHTTP_RejectsFailedValidation(t *testing.T) {
	secret := "whsec_test"
	h := newTestHandler(secret)
	// Missing required fields: sessionId, productCode, period, domain; email
	// is not a valid address either.
	body := []byte(`{"eventId":"e_001","kind":"checkout.completed","email":"not-an-email"}`)

	req := httptest.NewRequest("POST", "/webhooks/payments", strings.NewReader(string(body)))
	req.Header.Set("Signature", security.Sign(secret, body, time.Now()))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "malformed payload")
}

func TestAccountLoginName(t *testing.T) {
	assert.Equal(t, "alice", accountLoginName("Alice@Example.com"))
	assert.Equal(t, "bob.smith", accountLoginName("bob.smith@example.com"))
}

func TestGenerateTempPassword_MeetsMinimumEntropy(t *testing.T) {
	a, err := generateTempPassword(16)
	assert.NoError(t, err)
	assert.NotEmpty(t, a)
	assert.Equal(t, 32, len(a)) // 16 bytes hex-encoded

	b, err := generateTempPassword(16)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGenerateTempPassword_FloorsBelowMinimumEntropy(t *testing.T) {
	a, err := generateTempPassword(4) // 32 bits, below the 96-bit floor
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, len(a), 24) // floored to 12 bytes
}

func TestBillingPeriodDuration(t *testing.T) {
	assert.Equal(t, 365*24*time.Hour, billingPeriodDuration("annual"))
	assert.Equal(t, 365*24*time.Hour, billingPeriodDuration("yearly"))
	assert.Equal(t, 30*24*time.Hour, billingPeriodDuration("monthly"))
	assert.Equal(t, 30*24*time.Hour, billingPeriodDuration("unknown"))
}
