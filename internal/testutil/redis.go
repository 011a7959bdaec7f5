//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
)

// Tables is a SONiC database image: table, then key, then field values.
type Tables map[string]map[string]map[string]string

// SkipIfNoRedis returns NEWTDEPLOY_TEST_REDIS_ADDR once the server answers
// PING.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()
	addr := requireService(t, "REDIS_ADDR", "Redis")
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(Context(t)).Err(); err != nil {
		t.Skipf("test Redis at %s: %v", addr, err)
	}
	return addr
}

// SeedRedis replaces database db with tables, one hash per "TABLE|key".
// An entry without fields gets the NULL placeholder SONiC uses.
func SeedRedis(t *testing.T, addr string, db int, tables Tables) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	_, err := client.TxPipelined(context.Background(), func(p redis.Pipeliner) error {
		ctx := context.Background()
		p.FlushDB(ctx)
		for table, entries := range tables {
			for key, fields := range entries {
				args := []interface{}{"NULL", "NULL"}
				if len(fields) > 0 {
					args = args[:0]
					for f, v := range fields {
						args = append(args, f, v)
					}
				}
				p.HSet(ctx, table+"|"+key, args...)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding redis db %d: %v", db, err)
	}
}
