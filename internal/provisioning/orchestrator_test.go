package provisioning

import (
	"testing"

	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStepIdemKey_DeterministicPerTaskAndStep(t *testing.T) {
	taskID := uuid.New()
	a := stepIdemKey(taskID, models.StepAccount)
	b := stepIdemKey(taskID, models.StepAccount)
	assert.Equal(t, a, b)

	dns := stepIdemKey(taskID, models.StepDNS)
	assert.NotEqual(t, a, dns)
}

func TestStepIdemKey_DiffersAcrossTasks(t *testing.T) {
	a := stepIdemKey(uuid.New(), models.StepAccount)
	b := stepIdemKey(uuid.New(), models.StepAccount)
	assert.NotEqual(t, a, b)
}

func TestAdvisoryLockKey_DeterministicPerSubscription(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, advisoryLockKey(id), advisoryLockKey(id))
}

func TestAccountUsername_TruncatesAndLowercases(t *testing.T) {
	subID := uuid.New()
	got := accountUsername("My-Very-Long-Example-Domain.com", subID)
	assert.LessOrEqual(t, len(got), 12)
	assert.Equal(t, "myverylo", got[:8])
	assert.Equal(t, got, accountUsername("My-Very-Long-Example-Domain.com", subID))
}

func TestAccountUsername_DiffersAcrossSubscriptions(t *testing.T) {
	a := accountUsername("example.com", uuid.New())
	b := accountUsername("example.com", uuid.New())
	assert.NotEqual(t, a, b)
}

func TestDatabaseName_DeterministicPerSubscription(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, databaseName(id), databaseName(id))
}

func TestGenerateTempPassword_NotEmptyAndVaries(t *testing.T) {
	a := generateTempPassword()
	b := generateTempPassword()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
