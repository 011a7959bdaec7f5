package util

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// captureLog points Logger at a buffer for the test and restores output,
// level and formatter afterwards.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	out, level, formatter := Logger.Out, Logger.Level, Logger.Formatter
	t.Cleanup(func() {
		Logger.SetOutput(out)
		Logger.SetLevel(level)
		Logger.SetFormatter(formatter)
	})
	var buf bytes.Buffer
	SetLogOutput(&buf)
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	captureLog(t)
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{"debug", logrus.DebugLevel, false},
		{"warning", logrus.WarnLevel, false},
		{"ERROR", logrus.ErrorLevel, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		err := SetLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SetLogLevel(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && Logger.Level != tt.want {
			t.Errorf("SetLogLevel(%q) level = %v, want %v", tt.in, Logger.Level, tt.want)
		}
	}
}

func TestJSONFormatCarriesFields(t *testing.T) {
	buf := captureLog(t)
	SetJSONFormat()

	WithDevice("sw-r-01").WithField("family", "general").Infof("installing %s", "image")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	for k, want := range map[string]string{"device": "sw-r-01", "family": "general", "msg": "installing image"} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name string
		log  func()
		want string
	}{
		{"device", func() { WithDevice("dut1").Info("x") }, "device=dut1"},
		{"operation", func() { WithOperation("fast-reboot").Info("x") }, "operation=fast-reboot"},
		{"family", func() { WithFamily("dhcp-relay").Warn("x") }, "family=dhcp-relay"},
		{"fields", func() { WithFields(map[string]interface{}{"vlan": 690}).Info("x") }, "vlan=690"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			tt.log()
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q lacks %q", buf.String(), tt.want)
			}
		})
	}
}

func TestDebugfFollowsLevel(t *testing.T) {
	buf := captureLog(t)
	Logger.SetLevel(logrus.InfoLevel)
	Debugf("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug at info level wrote %q", buf.String())
	}
	Logger.SetLevel(logrus.DebugLevel)
	Debugf("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug at debug level wrote %q", buf.String())
	}
}

func TestSetLogFile(t *testing.T) {
	captureLog(t)
	path := filepath.Join(t.TempDir(), "newtdeploy.log")
	SetLogFile(path, 1, 1, 1)
	Errorf("written to %s", "file")
	if err := CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile: %v", err)
	}
	if err := CloseLogFile(); err != nil {
		t.Errorf("second CloseLogFile = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q", data)
	}
}
