// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads Parameters from a JSON or YAML file, selecting the decoder by
// file extension. There is no hot-reload: the result is consumed once at
// node boot.
func Load(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	p := Default()
	switch ext := extOf(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return Parameters{}, fmt.Errorf("decoding json config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Parameters{}, fmt.Errorf("decoding yaml config %s: %w", path, err)
		}
	default:
		return Parameters{}, fmt.Errorf("unsupported config extension %q", ext)
	}

	if err := p.Valid(); err != nil {
		return Parameters{}, fmt.Errorf("config %s: %w", path, err)
	}
	return p, nil
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
