package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

func TestSetLogOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	prev := pterm.DefaultLogger.Level
	t.Cleanup(func() {
		SetLogOutput(os.Stderr)
		pterm.DefaultLogger.Level = prev
	})

	pterm.DefaultLogger.Level = pterm.LogLevelInfo
	LogInfo("channel %d opened", 7)
	LogDebug("hidden %d", 1)

	if out := buf.String(); !strings.Contains(out, "channel 7 opened") {
		t.Errorf("info line missing from output: %q", out)
	}
	if strings.Contains(buf.String(), "hidden 1") {
		t.Error("debug line printed while debug is disabled")
	}
	if DebugEnabled() {
		t.Error("DebugEnabled() = true at info level")
	}

	EnableDebug()
	LogDebug("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Error("debug line missing after EnableDebug")
	}
	if !DebugEnabled() {
		t.Error("DebugEnabled() = false after EnableDebug")
	}
}

func TestChanTag(t *testing.T) {
	if got := ChanTag(0xdeadbeef, 3); got != "[deadbeef:3]" {
		t.Errorf("ChanTag = %q, want %q", got, "[deadbeef:3]")
	}
}
