package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
)

// TableFile is the on-disk YAML form of the child spec table.
//
//	pool:
//	  spec: web
//	  size: 4
//	children:
//	  - name: web
//	    handler: echo
//	    timeout: 30s
//	    params:
//	      prefix: "> "
//	  - name: janitor
//	    handler: sleep
//	    role: kill
//	    timeout: never
type TableFile struct {
	Pool     *PoolEntry   `yaml:"pool,omitempty"`
	Children []ChildEntry `yaml:"children"`
}

// PoolEntry names the spec run as a resizable pool.
type PoolEntry struct {
	Spec string `yaml:"spec"`
	Size int    `yaml:"size"`
}

// ChildEntry is one spec in a TableFile.
type ChildEntry struct {
	Name    string            `yaml:"name"`
	Handler string            `yaml:"handler,omitempty"`
	Role    string            `yaml:"role,omitempty"`
	Timeout Timeout           `yaml:"timeout"`
	Params  map[string]string `yaml:"params,omitempty"`
}

// Timeout is a heartbeat timeout that also accepts "never".
type Timeout time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timeout) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "never", "0":
		*t = 0
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: timeout %q: %w", node.Line, s, err)
	}
	if d < 0 {
		return fmt.Errorf("line %d: timeout %q is negative", node.Line, s)
	}
	*t = Timeout(d)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t Timeout) MarshalYAML() (any, error) {
	if t == 0 {
		return "never", nil
	}
	return time.Duration(t).String(), nil
}

// LoadTable reads and parses a YAML table file.
func LoadTable(path string) (*TableFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	tf, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tf, nil
}

// ParseTable parses YAML table data. Unknown keys are rejected.
func ParseTable(data []byte) (*TableFile, error) {
	var tf TableFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	if len(tf.Children) == 0 {
		return nil, errors.New("parse table: no children")
	}
	return &tf, nil
}

// Specs converts the entries into validated child specs.
func (tf *TableFile) Specs() ([]arbiter.ChildSpec, error) {
	var errs []error
	specs := make([]arbiter.ChildSpec, 0, len(tf.Children))
	for i, c := range tf.Children {
		role, err := arbiter.ParseRole(c.Role)
		if err != nil {
			errs = append(errs, fmt.Errorf("children[%d] %q: %w", i, c.Name, err))
			continue
		}
		specs = append(specs, arbiter.ChildSpec{
			Name:    c.Name,
			Handler: c.Handler,
			Role:    role,
			Timeout: time.Duration(c.Timeout),
			Params:  c.Params,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return specs, nil
}

// Table builds the arbiter table from the entries.
func (tf *TableFile) Table() (*arbiter.Table, error) {
	specs, err := tf.Specs()
	if err != nil {
		return nil, err
	}
	return arbiter.NewTable(specs...)
}

// Encode renders the table file as YAML.
func (tf *TableFile) Encode() ([]byte, error) {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(tf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// ResolveTable returns the table file the config describes: the -config
// file if set, otherwise a single pooled spec built from -handler,
// -timeout and -param. Command-line -pool and -workers override the file.
func ResolveTable(cfg *Config) (*TableFile, error) {
	if cfg.ConfigFile == "" {
		name := cfg.Handler
		if cfg.Pool != "" {
			name = cfg.Pool
		}
		return &TableFile{
			Pool: &PoolEntry{Spec: name, Size: cfg.Workers},
			Children: []ChildEntry{{
				Name:    name,
				Handler: cfg.Handler,
				Timeout: Timeout(cfg.Timeout),
				Params:  cfg.Params,
			}},
		}, nil
	}

	tf, err := LoadTable(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	if cfg.Explicit("pool") {
		if tf.Pool == nil {
			tf.Pool = &PoolEntry{Size: cfg.Workers}
		}
		tf.Pool.Spec = cfg.Pool
	}
	// A pool entry without a size takes -workers.
	if tf.Pool != nil && (cfg.Explicit("workers") || tf.Pool.Size == 0 && !cfg.AllowEmptyPool) {
		tf.Pool.Size = cfg.Workers
	}
	if tf.Pool != nil {
		found := false
		for _, c := range tf.Children {
			found = found || c.Name == tf.Pool.Spec
		}
		if !found {
			return nil, fmt.Errorf("pool spec %q is not in %s", tf.Pool.Spec, cfg.ConfigFile)
		}
	}
	return tf, nil
}
