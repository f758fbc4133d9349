package allocator

import (
	"testing"

	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPickLeastLoaded_TiesBrokenByID(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	candidates := []*models.Server{
		{ID: b, Status: models.ServerActive, MaxAccounts: 10, CurrentAccounts: 3},
		{ID: a, Status: models.ServerActive, MaxAccounts: 10, CurrentAccounts: 3},
	}

	sortCandidates(candidates)
	assert.Equal(t, a, candidates[0].ID)
}

func TestPickLeastLoaded_PrefersFewerAccounts(t *testing.T) {
	full := uuid.New()
	spare := uuid.New()

	candidates := []*models.Server{
		{ID: full, Status: models.ServerActive, MaxAccounts: 10, CurrentAccounts: 8},
		{ID: spare, Status: models.ServerActive, MaxAccounts: 10, CurrentAccounts: 1},
	}

	sortCandidates(candidates)
	assert.Equal(t, spare, candidates[0].ID)
}

func TestHasSpareCapacity_RejectsFullServer(t *testing.T) {
	s := &models.Server{Status: models.ServerActive, MaxAccounts: 5, CurrentAccounts: 5}
	assert.False(t, s.HasSpareCapacity())
}
