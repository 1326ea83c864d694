package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to NEXBUS_TEST_POSTGRES_URL and skips the test
// when it is unset or unreachable.
func newTestPostgres(t *testing.T, namespace string) *SQLStore {
	t.Helper()
	url := os.Getenv("NEXBUS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("NEXBUS_TEST_POSTGRES_URL not set")
	}
	s, err := OpenPostgres(url, namespace, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.DB().PingContext(ctx); err != nil {
		_ = s.Close()
		t.Skipf("postgres unreachable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreContract(t *testing.T) {
	ns := "test:" + time.Now().Format("150405.000000") + ":"
	s := newTestPostgres(t, ns)
	runStoreContract(t, s)
}

func TestOpenPostgresRequiresURL(t *testing.T) {
	_, err := OpenPostgres("", "ns", nil)
	require.Error(t, err)
}

func TestPostgresBindsAreNumbered(t *testing.T) {
	s := NewPostgres(nil, "ns", nil)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.bind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "a = ?", NewSQLite(nil, "ns", nil).bind("a = ?"))
}
