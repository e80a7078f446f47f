package dispatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/fleetplay/pkg/engine"
)

// Hand-assembled WASI command binaries keep the tests free of a toolchain.

func wasmBinary(sections ...[]byte) []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		b = append(b, s...)
	}
	return b
}

func wasmSection(id byte, parts ...[]byte) []byte {
	var contents []byte
	for _, p := range parts {
		contents = append(contents, p...)
	}
	return append([]byte{id, byte(len(contents))}, contents...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// startWith exports a single _start function with body, importing one
// function first when importModule is set.
func startWith(importModule, importName string, importType byte, body []byte) []byte {
	types := wasmSection(0x01, []byte{0x02, 0x60, 0x00, 0x00, 0x60, 0x01, 0x7f, 0x00})
	funcs := wasmSection(0x03, []byte{0x01, 0x00})
	code := wasmSection(0x0a, []byte{0x01, byte(len(body))}, body)

	if importModule == "" {
		exports := wasmSection(0x07, []byte{0x01}, wasmName("_start"), []byte{0x00, 0x00})
		return wasmBinary(types, funcs, exports, code)
	}
	imports := wasmSection(0x02, []byte{0x01}, wasmName(importModule), wasmName(importName), []byte{0x00, importType})
	exports := wasmSection(0x07, []byte{0x01}, wasmName("_start"), []byte{0x00, 0x01})
	return wasmBinary(types, imports, funcs, exports, code)
}

func writeWASM(t *testing.T, name string, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var (
	// _start: nothing
	wasmNoop = startWith("", "", 0, []byte{0x00, 0x0b})

	// _start: proc_exit(3)
	wasmExit3 = startWith("wasi_snapshot_preview1", "proc_exit", 0x01, []byte{0x00, 0x41, 0x03, 0x10, 0x00, 0x0b})

	// _start: fleetplay.set_changed()
	wasmChanged = startWith("fleetplay", "set_changed", 0x00, []byte{0x00, 0x10, 0x00, 0x0b})

	// _start: loop forever
	wasmSpin = startWith("", "", 0, []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b})
)

func TestWASM(t *testing.T) {
	d := newTestDispatcher(t, Options{})

	tests := []struct {
		name        string
		code        []byte
		wantFailed  bool
		wantChanged bool
		wantRC      int
	}{
		{name: "noop", code: wasmNoop},
		{name: "exit code", code: wasmExit3, wantFailed: true, wantRC: 3},
		{name: "set changed", code: wasmChanged, wantChanged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeWASM(t, strings.ReplaceAll(tt.name, " ", "_")+".wasm", tt.code)
			res := runTask(t, d, "localhost", "wasm", map[string]interface{}{"path": path})
			if res.Failed != tt.wantFailed {
				t.Fatalf("expected failed=%v, got %+v", tt.wantFailed, res)
			}
			if res.Changed != tt.wantChanged {
				t.Errorf("expected changed=%v, got %v", tt.wantChanged, res.Changed)
			}
			if res.Data["rc"] != tt.wantRC {
				t.Errorf("expected rc %d, got %v", tt.wantRC, res.Data["rc"])
			}
		})
	}

	// The binary compiled above is reused by concurrent dispatches
	path := writeWASM(t, "shared.wasm", wasmNoop)
	var pending []*engine.PendingResult
	for i := 0; i < 4; i++ {
		pending = append(pending, d.Dispatch(t.Context(), "localhost", engine.NewTask("noop", "wasm", map[string]interface{}{"path": path})))
	}
	for _, pr := range pending {
		if res := waitResult(t, pr); res.Failed {
			t.Errorf("concurrent run failed: %v", res.Err)
		}
	}
}

func TestWASMTimeout(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	task := engine.NewTask("spin", "wasm", map[string]interface{}{"path": writeWASM(t, "spin.wasm", wasmSpin)})
	task.Timeout = 100 * time.Millisecond

	res := waitResult(t, d.Dispatch(t.Context(), "localhost", task))
	if !res.Failed || errCode(res.Err) != engine.ErrCodeTimeout {
		t.Errorf("expected a timeout, got %+v", res)
	}
}

func TestWASMMount(t *testing.T) {
	allowed := t.TempDir()
	m := newWASMModule(WASMConfig{AllowedDirs: []string{allowed}})

	tests := []struct {
		dir     string
		wantErr bool
	}{
		{dir: allowed},
		{dir: filepath.Join(allowed, "data")},
		{dir: filepath.Join(allowed, ".."), wantErr: true},
		{dir: t.TempDir(), wantErr: true},
		{dir: "/etc", wantErr: true},
		{dir: "/proc/self", wantErr: true},
	}
	for _, tt := range tests {
		err := m.checkMount(tt.dir)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkMount(%s) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
		}
	}

	if res := runTask(t, newTestDispatcher(t, Options{}), "localhost", "wasm", map[string]interface{}{
		"path":  writeWASM(t, "noop.wasm", wasmNoop),
		"mount": "/etc",
	}); !res.Failed {
		t.Error("expected a denied mount to fail the task")
	}
}
