package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	extism "github.com/extism/go-sdk"
)

// DefaultWASMTimeout bounds a single call into a WASM screener, in milliseconds.
const DefaultWASMTimeout = 2000

func init() {
	RegisterLoader("wasm", func() (Loader, error) {
		return NewWASMLoader()
	})
}

// WASMLoader loads WASM screeners using the Extism SDK.
//
// Modules run under WASI with no host functions and no network access. A module must
// export a "screen" function that reads a JSON ScreenInput and writes a JSON Verdict.
// It may export "name" to override the file-derived name.
type WASMLoader struct {
	timeoutMS uint64
}

// NewWASMLoader creates a new WASM loader.
func NewWASMLoader() (*WASMLoader, error) {
	return &WASMLoader{timeoutMS: DefaultWASMTimeout}, nil
}

// Load compiles and instantiates a WASM screener from raw bytes.
func (wl *WASMLoader) Load(data []byte, name string) (Screener, error) {
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: data, Name: name},
		},
		Timeout: wl.timeoutMS,
	}

	ctx := context.Background()
	config := extism.PluginConfig{
		EnableWasi: true,
	}

	plugin, err := extism.NewPlugin(ctx, manifest, config, []extism.HostFunction{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Extism plugin: %w", err)
	}
	if !plugin.FunctionExists("screen") {
		plugin.Close(ctx)
		return nil, fmt.Errorf("WASM module %q must export a screen function", name)
	}

	return &WASMScreener{
		name:   name,
		plugin: plugin,
	}, nil
}

// WASMScreener implements Screener for WASM modules.
type WASMScreener struct {
	name string

	// Extism plugin instances are not safe for concurrent calls.
	mu     sync.Mutex
	plugin *extism.Plugin
}

// Close releases the plugin instance.
func (ws *WASMScreener) Close(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.plugin == nil {
		return nil
	}
	err := ws.plugin.Close(ctx)
	ws.plugin = nil
	return err
}

// Name returns the screener name, preferring the module's exported name().
func (ws *WASMScreener) Name() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.plugin == nil || !ws.plugin.FunctionExists("name") {
		return ws.name
	}
	exitCode, out, err := ws.plugin.Call("name", nil)
	if err != nil || exitCode != 0 || len(out) == 0 {
		return ws.name
	}
	return string(out)
}

// Screen calls the exported screen() function using Extism's input/output pattern.
func (ws *WASMScreener) Screen(ctx context.Context, in ScreenInput) (Verdict, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal screen input: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.plugin == nil {
		return Verdict{}, fmt.Errorf("screener %s is closed", ws.name)
	}

	exitCode, out, err := ws.plugin.CallWithContext(ctx, "screen", input)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to execute WASM function: %w", err)
	}
	if exitCode != 0 {
		return Verdict{}, fmt.Errorf("screen function returned non-zero exit code: %d", exitCode)
	}
	if len(out) == 0 {
		return Verdict{}, nil
	}

	var verdict Verdict
	if err := json.Unmarshal(out, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse JSON verdict: %w", err)
	}
	return verdict, nil
}
