// Package results keeps per-setup deployment artifacts, such as the
// config_db.json a version came up with, in a shared results location.
package results

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Store holds artifacts grouped by setup name.
type Store interface {
	Put(ctx context.Context, setup, name string, data []byte) error
	Get(ctx context.Context, setup, name string) ([]byte, error)
	List(ctx context.Context, setup string) ([]string, error)
}

// LocalStore keeps one directory per setup under Root, typically an NFS
// mount shared by the lab.
type LocalStore struct {
	Root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore returns a store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) path(setup, name string) (string, error) {
	if err := checkName(setup); err != nil {
		return "", err
	}
	if name != "" {
		if err := checkName(name); err != nil {
			return "", err
		}
	}
	return filepath.Join(s.Root, setup, name), nil
}

func checkName(n string) error {
	if n == "" || n == "." || n == ".." || strings.ContainsAny(n, `/\`) {
		return fmt.Errorf("invalid artifact name %q: %w", n, util.ErrInvalidConfig)
	}
	return nil
}

// Put writes the artifact atomically.
func (s *LocalStore) Put(ctx context.Context, setup, name string, data []byte) error {
	p, err := s.path(setup, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	util.WithField("setup", setup).Infof("Saved %s", p)
	return nil
}

// Get reads an artifact.
func (s *LocalStore) Get(ctx context.Context, setup, name string) ([]byte, error) {
	p, err := s.path(setup, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", setup, name, util.ErrNotFound)
	}
	return data, err
}

// List returns the artifact names of a setup, sorted.
func (s *LocalStore) List(ctx context.Context, setup string) ([]string, error) {
	dir, err := s.path(setup, "")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".tmp") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ConfigDBName is the artifact name of the config_db.json a version
// booted with.
func ConfigDBName(version string) string {
	return version + "_config_db.json"
}

// WriteExtendedConfigDB stores db as <version>_config_db.json for setup
// and returns the artifact name.
func WriteExtendedConfigDB(ctx context.Context, store Store, setup, version string, db sonic.ConfigDB) (string, error) {
	if version == "" {
		return "", fmt.Errorf("image version required: %w", util.ErrInvalidConfig)
	}
	data, err := db.Marshal()
	if err != nil {
		return "", err
	}
	name := ConfigDBName(version)
	if err := store.Put(ctx, setup, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// ReadExtendedConfigDB loads the config_db.json stored for version.
func ReadExtendedConfigDB(ctx context.Context, store Store, setup, version string) (sonic.ConfigDB, error) {
	data, err := store.Get(ctx, setup, ConfigDBName(version))
	if err != nil {
		return nil, err
	}
	return sonic.ParseConfigDB(data)
}
