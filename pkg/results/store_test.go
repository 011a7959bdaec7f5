package results

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

func TestLocalStorePutGetList(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	if err := s.Put(ctx, "setup1", "b.json", []byte(`{"b":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "setup1", "a.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "setup1", "a.json")
	if err != nil || string(got) != `{"a":1}` {
		t.Errorf("Get = %q, %v", got, err)
	}
	names, err := s.List(ctx, "setup1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.json", "b.json"}, names); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "setup1", "a.json.tmp")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestLocalStoreMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	if _, err := s.Get(ctx, "setup1", "x.json"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	names, err := s.List(ctx, "nosuch")
	if err != nil || names != nil {
		t.Errorf("List = %v, %v", names, err)
	}
}

func TestLocalStoreRejectsPathNames(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	for _, bad := range [][2]string{{"..", "x"}, {"setup1", "../x"}, {"", "x"}, {"setup1", ""}, {"a/b", "x"}} {
		if err := s.Put(ctx, bad[0], bad[1], nil); !errors.Is(err, util.ErrInvalidConfig) {
			t.Errorf("Put(%q, %q) err = %v, want ErrInvalidConfig", bad[0], bad[1], err)
		}
	}
}

func TestExtendedConfigDBRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	db := sonic.ConfigDB{
		"DEVICE_METADATA": {"localhost": {"hwsku": "ACS-MSN2700", "platform": "x86_64-mlnx_msn2700-r0"}},
		"PORT":            {"Ethernet0": {"admin_status": "up", "mtu": "9100"}},
	}
	name, err := WriteExtendedConfigDB(ctx, s, "setup1", "SONiC-OS-master.234", db)
	if err != nil {
		t.Fatalf("WriteExtendedConfigDB: %v", err)
	}
	if name != "SONiC-OS-master.234_config_db.json" {
		t.Errorf("name = %q", name)
	}
	got, err := ReadExtendedConfigDB(ctx, s, "setup1", "SONiC-OS-master.234")
	if err != nil {
		t.Fatalf("ReadExtendedConfigDB: %v", err)
	}
	if diff := cmp.Diff(db, got); diff != "" {
		t.Errorf("config db (-want +got):\n%s", diff)
	}

	if _, err := WriteExtendedConfigDB(ctx, s, "setup1", "", db); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("empty version err = %v", err)
	}
}

func TestNewMinIOStore(t *testing.T) {
	if _, err := NewMinIOStore(MinIOConfig{Bucket: "b"}); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("missing endpoint err = %v", err)
	}
	s, err := NewMinIOStore(MinIOConfig{Endpoint: "127.0.0.1:9000", Bucket: "results", Prefix: "/newtdeploy/"})
	if err != nil {
		t.Fatalf("NewMinIOStore: %v", err)
	}
	key, err := s.key("setup1", ConfigDBName("v1"))
	if err != nil || key != "newtdeploy/setup1/v1_config_db.json" {
		t.Errorf("key = %q, %v", key, err)
	}
	if _, err := s.key("setup1", "../x"); err == nil {
		t.Error("path traversal accepted")
	}
}
