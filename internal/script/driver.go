//go:build !no_scripting

// Package script implements an output driver whose behaviour is defined by a
// Lua script. The script must define two global functions:
//
//	function configure(pin) ... end
//	function set(pin, on) ... end
//
// A `node` table is available with `node.log(level, msg)` and
// `node.write_file(path, text)`; the latter lets scripts drive sysfs GPIO.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

var ErrMissingFunction = errors.New("script function not defined")

// Driver calls into a Lua state. Calls are serialised; gopher-lua states are
// not safe for concurrent use.
type Driver struct {
	mu     sync.Mutex
	L      *lua.LState
	logger *slog.Logger
}

// LoadFile compiles and runs the script at path.
func LoadFile(path string, logger *slog.Logger) (*Driver, error) {
	d := newDriver(logger)
	if err := d.L.DoFile(path); err != nil {
		d.L.Close()
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	if err := d.check(); err != nil {
		d.L.Close()
		return nil, err
	}
	return d, nil
}

// LoadString is LoadFile for an in-memory script.
func LoadString(src string, logger *slog.Logger) (*Driver, error) {
	d := newDriver(logger)
	if err := d.L.DoString(src); err != nil {
		d.L.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	if err := d.check(); err != nil {
		d.L.Close()
		return nil, err
	}
	return d, nil
}

func newDriver(logger *slog.Logger) *Driver {
	d := &Driver{
		L:      lua.NewState(),
		logger: logger.With("component", "script"),
	}
	registerNodeModule(d.L, d)
	return d
}

func (d *Driver) check() error {
	for _, name := range []string{"configure", "set"} {
		if d.L.GetGlobal(name).Type() != lua.LTFunction {
			return fmt.Errorf("%w: %s", ErrMissingFunction, name)
		}
	}
	return nil
}

func (d *Driver) Configure(pin uint8) error {
	return d.call("configure", lua.LNumber(pin))
}

func (d *Driver) Set(pin uint8, on bool) error {
	return d.call("set", lua.LNumber(pin), lua.LBool(on))
}

// call invokes a global function. A script signals failure by raising an
// error, by returning false optionally followed by a message, or by returning
// nil and a message.
func (d *Driver) call(name string, args ...lua.LValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fn := d.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("%w: %s", ErrMissingFunction, name)
	}
	if err := d.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, args...); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	msg := d.L.Get(-1)
	ok := d.L.Get(-2)
	d.L.Pop(2)

	if ok == lua.LFalse || (ok == lua.LNil && msg != lua.LNil) {
		if msg == lua.LNil {
			return fmt.Errorf("script %s failed", name)
		}
		return fmt.Errorf("script %s failed: %s", name, msg.String())
	}
	return nil
}

// Close releases the Lua state.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.L.Close()
}

func registerNodeModule(L *lua.LState, d *Driver) {
	mod := L.NewTable()

	// node.log(level, msg)
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		switch level {
		case "debug":
			d.logger.Debug(msg)
		case "warn":
			d.logger.Warn(msg)
		case "error":
			d.logger.Error(msg)
		default:
			d.logger.Info(msg)
		}
		return 0
	}))

	// node.write_file(path, text) -> true | nil, err
	mod.RawSetString("write_file", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		text := L.CheckString(2)
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetGlobal("node", mod)
}
