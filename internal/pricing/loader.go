package pricing

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Source hands out the current pricing snapshot.
type Source interface {
	Current() *Table
}

// Holder keeps the active Table and swaps it atomically on reload.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewStaticHolder wraps a fixed table.
func NewStaticHolder(t *Table) *Holder {
	h := &Holder{}
	h.current.Store(t)
	return h
}

func (h *Holder) Current() *Table {
	return h.current.Load()
}

func (h *Holder) swap(t *Table) {
	h.current.Store(t)
}

type fileConfig struct {
	Version string                  `mapstructure:"version"`
	Models  map[string]ModelPricing `mapstructure:"models"`
}

// LoadFile reads a YAML pricing file and overlays it on the built-in rates.
//
//	version: pricing_2025_06
//	models:
//	  gemini-2.5-flash: {input: 0.10, output: 0.40}
func LoadFile(path string) (*Table, *viper.Viper, error) {
	// model names contain dots, so the default key delimiter cannot be used
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read pricing file: %w", err)
	}
	t, err := tableFrom(v)
	if err != nil {
		return nil, nil, err
	}
	return t, v, nil
}

func tableFrom(v *viper.Viper) (*Table, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode pricing file: %w", err)
	}
	if err := validate(fc); err != nil {
		return nil, err
	}

	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(fc.Models))
	for name, p := range DefaultPricing {
		merged[name] = p
	}
	for name, p := range fc.Models {
		merged[name] = p
	}
	version := fc.Version
	if version == "" {
		version = "file"
	}
	return NewTable(version, merged), nil
}

func validate(fc fileConfig) error {
	for name, p := range fc.Models {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			return fmt.Errorf("pricing for %q cannot be negative", name)
		}
		if p.Currency != "" && p.Currency != "USD" {
			return errors.New("pricing currency must be USD")
		}
	}
	return nil
}

// NewHolder builds a Holder from path, falling back to the built-in table
// when path is empty. With watch enabled the file is re-read on change and
// invalid edits are ignored.
func NewHolder(path string, watch bool, log *zap.Logger) (*Holder, error) {
	if path == "" {
		return NewStaticHolder(Default()), nil
	}

	t, v, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	h := NewStaticHolder(t)
	log.Info("pricing loaded", zap.String("file", path), zap.String("version", t.Version()), zap.Int("models", t.Len()))

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := tableFrom(v)
			if err != nil {
				log.Warn("pricing reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			h.swap(updated)
			log.Info("pricing reloaded", zap.String("file", e.Name), zap.String("version", updated.Version()))
		})
		v.WatchConfig()
	}
	return h, nil
}
