package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader is the opaque on-disk config reader: greyd's YAML config file,
// as distinct from the Message wire protocol above. Nothing in this
// package hand-parses the file grammar; koanf's file provider plus yaml
// parser already is "an opaque key/value loader."
type Loader struct {
	k *koanf.Koanf
}

// LoadFile reads and parses path as YAML.
func LoadFile(path string) (*Loader, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return &Loader{k: k}, nil
}

func (l *Loader) String(key, def string) string {
	if !l.k.Exists(key) {
		return def
	}
	return l.k.String(key)
}

func (l *Loader) Int(key string, def int) int {
	if !l.k.Exists(key) {
		return def
	}
	return l.k.Int(key)
}

func (l *Loader) Bool(key string, def bool) bool {
	if !l.k.Exists(key) {
		return def
	}
	return l.k.Bool(key)
}

func (l *Loader) Strings(key string) []string {
	return l.k.Strings(key)
}

// Unmarshal decodes the whole config tree (or the subtree rooted at
// key, if non-empty) into out.
func (l *Loader) Unmarshal(key string, out any) error {
	if key == "" {
		return l.k.Unmarshal("", out)
	}
	return l.k.Unmarshal(key, out)
}
