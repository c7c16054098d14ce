package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mbeema/veil/pkg/config"
)

func TestRenderProfiles(t *testing.T) {
	var buf bytes.Buffer
	renderProfiles(&buf, config.DefaultConfig())
	out := buf.String()

	for _, want := range []string{"default", "full", "KILLANTIATTACH"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Errorf("profiles table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "default") > strings.Index(out, "full") {
		t.Errorf("profiles not sorted:\n%s", out)
	}
}

func TestRenderExceptions(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig()
	renderExceptions(&buf, cfg)
	out := buf.String()

	if !strings.Contains(out, "0xC0000005") {
		t.Errorf("exceptions table missing access violation:\n%s", out)
	}
}

func TestOnOff(t *testing.T) {
	if onOff(true) != "on" || onOff(false) != "off" {
		t.Errorf("onOff mismatch")
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		logger, err := newLogger(level)
		if err != nil {
			t.Fatalf("newLogger(%q): %v", level, err)
		}
		_ = logger.Sync()
	}
}
