package pki

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testCAOnce sync.Once
	testCA     *Authority
	testCAErr  error
)

// newTestAuthority returns a CA shared by all tests in the package.
func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	testCAOnce.Do(func() {
		testCA, testCAErr = GenerateAuthority(DefaultSubject, time.Now())
	})
	require.NoError(t, testCAErr)
	return testCA
}
