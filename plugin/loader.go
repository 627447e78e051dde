package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loader loads screeners of one plugin type.
type Loader interface {
	Load(data []byte, name string) (Screener, error)
}

// LoadScreener loads a screener using the loader registered for pluginType.
func LoadScreener(pluginType string, data []byte, name string) (Screener, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("plugin %q has no data", name)
	}
	factory, err := GetLoaderFactory(pluginType)
	if err != nil {
		return nil, err
	}
	loader, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s loader: %w", pluginType, err)
	}
	return loader.Load(data, name)
}

// LoadFile loads a screener from disk. The plugin type is the file extension
// and the name is the base name without it, so "limits.wasm" is a wasm screener named "limits".
func LoadFile(path string) (Screener, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return nil, fmt.Errorf("cannot infer plugin type of %s: no file extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ext)
	return LoadScreener(strings.TrimPrefix(ext, "."), data, name)
}
