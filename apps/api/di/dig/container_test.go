package dig_container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/nexlearn/apps/api/echo"
	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/remote"
	"github.com/trezcool/nexlearn/services/supabase"
	inmemdb "github.com/trezcool/nexlearn/storage/database/inmem"
	"github.com/trezcool/nexlearn/storage/database/sqlxrepos"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantKV     interface{}
		wantRemote interface{}
	}{
		{
			name:       "in-memory",
			env:        map[string]string{"TEST_STORAGEENGINE": "memory", "TEST_REMOTETRANSPORT": "memory"},
			wantKV:     &inmemdb.KVStore{},
			wantRemote: &remote.MemoryService{},
		},
		{
			name:       "sqlite & rest",
			env:        map[string]string{"TEST_STORAGEENGINE": "sqlite", "TEST_REMOTETRANSPORT": "rest"},
			wantKV:     &sqlxrepos.KVRepository{},
			wantRemote: &supabase.Client{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", "TEST")
			t.Setenv("TEST_STORAGEDATADIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			c := New()
			err := c.Invoke(func(
				dbs *Databases,
				kv core.KVStore,
				svc remote.DataService,
				logger core.Logger,
				errBuf *clientlog.Buffer,
				server *echoapi.Server,
			) {
				defer func() { assert.NoError(t, dbs.Close()) }()

				assert.IsType(t, tt.wantKV, kv)
				assert.IsType(t, tt.wantRemote, svc)
				assert.NotNil(t, server)
				assert.Nil(t, dbs.Remote)

				// warnings land in the error buffer
				logger.Warn("container warning")
				recs := errBuf.Records()
				require.Len(t, recs, 1)
				assert.Equal(t, clientlog.LevelWarn, recs[0].Level)
				assert.Equal(t, "container warning", recs[0].Message)
			})
			require.NoError(t, err)
		})
	}
}
