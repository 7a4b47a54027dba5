package config

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Dataset is the opaque usage-stats parameter handed to the external
// encoder at battle-worker startup; this package only owns its
// load-once-at-startup lifecycle, never its contents.
type Dataset struct {
	Raw map[string]any
}

// LoadDataset decodes a msgpack-encoded cache file. An empty path, or a
// missing file, yields an empty Dataset rather than an error: the
// usage-stats parameter is optional.
//
// vmihailenco/msgpack/v5 is pulled in transitively as an indirect
// dependency; this loader promotes it to a direct one, the same
// promotion already used for golang.org/x/sync/errgroup in
// internal/pipeline.
func LoadDataset(path string) (*Dataset, error) {
	if path == "" {
		return &Dataset{}, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Dataset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading dataset %s: %w", path, err)
	}
	var raw map[string]any
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("config: decoding dataset %s: %w", path, err)
	}
	return &Dataset{Raw: raw}, nil
}
