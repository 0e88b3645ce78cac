//go:build !no_scripting

package script

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const recordingScript = `
configured = {}
levels = {}
function configure(pin)
  configured[pin] = true
end
function set(pin, on)
  if not configured[pin] then
    return false, "pin " .. pin .. " not configured"
  end
  levels[pin] = on
end
`

func TestDriverCallsScript(t *testing.T) {
	d, err := LoadString(recordingScript, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.Configure(4); err != nil {
		t.Fatal(err)
	}
	if err := d.Set(4, true); err != nil {
		t.Fatal(err)
	}

	if err := d.L.DoString(`_level = levels[4]`); err != nil {
		t.Fatal(err)
	}
	if v := d.L.GetGlobal("_level"); v != lua.LTrue {
		t.Errorf("levels[4] = %v, want true", v)
	}
}

func TestDriverScriptFailure(t *testing.T) {
	d, err := LoadString(recordingScript, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	err = d.Set(7, true)
	if err == nil || !strings.Contains(err.Error(), "pin 7 not configured") {
		t.Errorf("err = %v, want script message", err)
	}
}

func TestDriverScriptError(t *testing.T) {
	d, err := LoadString(`
function configure(pin) error("boom") end
function set(pin, on) end
`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.Configure(1); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestDriverNilWithMessage(t *testing.T) {
	d, err := LoadString(`
function configure(pin) return nil, "busy" end
function set(pin, on) end
`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.Configure(1); err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("err = %v, want busy", err)
	}
}

func TestMissingFunction(t *testing.T) {
	_, err := LoadString(`function configure(pin) end`, testLogger())
	if !errors.Is(err, ErrMissingFunction) {
		t.Errorf("err = %v, want ErrMissingFunction", err)
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "value")
	d, err := LoadString(`
function configure(pin) end
function set(pin, on)
  local v = "0"
  if on then v = "1" end
  return node.write_file(out, v)
end
`, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	d.L.SetGlobal("out", lua.LString(path))

	if err := d.Set(3, true); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1" {
		t.Errorf("file = %q, want 1", data)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.lua")
	if err := os.WriteFile(path, []byte(recordingScript), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadFile(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.Close()

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.lua"), testLogger()); err == nil {
		t.Error("expected error for missing file")
	}
}
