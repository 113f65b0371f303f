package jsonstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

// setupTestRegistry creates a Registry in a fresh temp dir with a fixed clock.
func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "companies.json")
	return NewRegistryWithClock(path, func() time.Time { return fixedNow })
}

func writeRaw(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func strPtr(s string) *string { return &s }

func testCompany(id string) model.Company {
	return model.Company{
		AccountID:   id,
		Environment: model.EnvironmentSandbox,
		Tokens: model.TokenSet{
			AccessToken:  "access-" + id,
			RefreshToken: "refresh-" + id,
			TokenType:    "bearer",
		},
		ConnectedAt: fixedNow.Add(-24 * time.Hour),
		UpdatedAt:   fixedNow.Add(-24 * time.Hour),
	}
}
