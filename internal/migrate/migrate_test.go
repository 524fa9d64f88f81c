package migrate

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	got, err := Available()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, got)
}

func TestMigrations_UpAndDownPaired(t *testing.T) {
	ups, err := fs.Glob(migrations, "sql/*.up.sql")
	require.NoError(t, err)

	downs, err := fs.Glob(migrations, "sql/*.down.sql")
	require.NoError(t, err)

	assert.Len(t, ups, 2)
	assert.Len(t, downs, len(ups))
}

func TestMultiStatementDSN(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		want    string
		wantErr bool
	}{
		{
			name: "plain",
			dsn:  "clickhouse://localhost:9000/default",
			want: "clickhouse://localhost:9000/default?x-multi-statement=true",
		},
		{
			name: "existing params kept",
			dsn:  "clickhouse://localhost:9000/default?username=u",
			want: "clickhouse://localhost:9000/default?username=u&x-multi-statement=true",
		},
		{
			name:    "wrong scheme",
			dsn:     "postgres://localhost/db",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := multiStatementDSN(tt.dsn)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
