package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Logger stores deployment history.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig bounds the history file. Zero MaxBackups keeps every
// rotated file.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
}

// FileLogger appends events as JSON lines and rotates by size. Queries
// read the rotated backups too, so history survives rotation.
type FileLogger struct {
	mu   sync.Mutex
	path string
	w    *lumberjack.Logger
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger opens (or creates) the history file at path.
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("audit log directory: %w", err)
	}
	return &FileLogger{
		path: path,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
		},
	}, nil
}

func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(line, '\n'))
	return err
}

// Query returns the matching events, oldest first, after Offset and
// limited to Limit.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []*Event
	for _, file := range l.files() {
		err := scanEvents(file, func(e *Event) {
			if filter.Match(e) {
				matched = append(matched, e)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if matched == nil {
		matched = []*Event{}
	}
	return filter.page(matched), nil
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// files lists the rotated backups in age order followed by the live file.
// lumberjack names backups <name>-<timestamp><ext>, which sort by time.
func (l *FileLogger) files() []string {
	ext := filepath.Ext(l.path)
	stem := strings.TrimSuffix(l.path, ext)
	backups, _ := filepath.Glob(stem + "-*" + ext)
	sort.Strings(backups)
	return append(backups, l.path)
}

func scanEvents(path string, fn func(*Event)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		e := new(Event)
		if err := json.Unmarshal(sc.Bytes(), e); err != nil {
			util.Warnf("audit: %s:%d: skipping malformed entry: %v", filepath.Base(path), n, err)
			continue
		}
		fn(e)
	}
	return sc.Err()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// SetDefaultLogger installs the process-wide logger. nil disables history.
func SetDefaultLogger(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func current() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log records event with the default logger. Without one it is a no-op.
func Log(event *Event) error {
	if l := current(); l != nil {
		return l.Log(event)
	}
	return nil
}

// Query searches the default logger.
func Query(filter Filter) ([]*Event, error) {
	if l := current(); l != nil {
		return l.Query(filter)
	}
	return []*Event{}, nil
}
