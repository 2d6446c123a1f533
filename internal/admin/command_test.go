package admin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  Command
	}{
		{"SHOW STATS", CmdShowStats},
		{"show stats", CmdShowStats},
		{"SHOW STATS TOTALS", CmdShowStats},
		{"RELOAD", CmdReload},
		{"reload;", CmdReload},
		{"SHOW CONFIG", CmdShowConfig},
		{"SHOW DATABASES", CmdShowDatabases},
		{"show databases;", CmdShowDatabases},
		{"SET application_name = 'x'", CmdSet},
		{"set search_path to public", CmdSet},
		{"SETTINGS", CmdUnsupported},
		{"SET", CmdUnsupported},
		{"SELECT 1", CmdUnsupported},
		{"SHOW POOLS", CmdUnsupported},
		{"", CmdUnsupported},
		{" SHOW STATS", CmdUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.query))
		})
	}
}

// The prefix table is an ordering contract: SHOW STATS must be tried before
// the other SHOW forms, and SET requires its trailing space.
func TestClassifyOrdering(t *testing.T) {
	require.Equal(t, "SHOW STATS", commandPrefixes[0].prefix)
	require.Equal(t, "RELOAD", commandPrefixes[1].prefix)
	require.Equal(t, "SHOW CONFIG", commandPrefixes[2].prefix)
	require.Equal(t, "SHOW DATABASES", commandPrefixes[3].prefix)
	require.Equal(t, "SET ", commandPrefixes[4].prefix)
}
