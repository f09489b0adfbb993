package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	want := [][]string{
		{"serve"}, {"outbox", "process"}, {"outbox", "retry"}, {"proposals"},
		{"maintenance", "purge"}, {"migrate"}, {"token"}, {"version"},
	}
	for _, path := range want {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, outboxProcessCmd.Flags().Lookup("dry-run"))
	assert.NotNil(t, outboxProcessCmd.Flags().Lookup("limit"))
	assert.NotNil(t, rootCmd.PersistentFlags().ShorthandLookup("c"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}

func TestOutboxRetry_RejectsBadID(t *testing.T) {
	err := outboxRetryCmd.RunE(outboxRetryCmd, []string{"abc"})
	assert.Error(t, err)
}
