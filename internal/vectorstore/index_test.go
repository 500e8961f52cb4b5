package vectorstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

func TestValidateTenantID(t *testing.T) {
	valid := []string{
		"tenant-a",
		"Tenant_1",
		"c7f3a2e4-0b1d-4f5a-9c8e-1234567890ab",
		"org.example",
		"a",
	}
	for _, id := range valid {
		assert.NoError(t, vectorstore.ValidateTenantID(id), id)
	}

	t.Run("empty", func(t *testing.T) {
		err := vectorstore.ValidateTenantID("")
		require.ErrorIs(t, err, vectorstore.ErrMissingTenant)
	})

	invalid := []string{
		"../escape",
		"has space",
		".leading-dot",
		"-leading-dash",
		"tenant/with/slash",
		"tenant\nnewline",
		string(make([]byte, 200)),
	}
	for _, id := range invalid {
		err := vectorstore.ValidateTenantID(id)
		assert.ErrorIs(t, err, vectorstore.ErrInvalidTenantID, "%q", id)
	}
}

func TestSourceKind_Valid(t *testing.T) {
	assert.True(t, vectorstore.SourceKindScraped.Valid())
	assert.True(t, vectorstore.SourceKindUploaded.Valid())
	assert.True(t, vectorstore.SourceKindManual.Valid())
	assert.False(t, vectorstore.SourceKind("").Valid())
	assert.False(t, vectorstore.SourceKind("other").Valid())
}
