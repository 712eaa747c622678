// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where the config document lives.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceConsul SourceType = "consul"
	SourceEtcd   SourceType = "etcd"
)

// ParseSourceType parses a user-supplied source name.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd)", s)
	}
}

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	// Type of the source (default: file).
	Type SourceType

	// Path is the file path, or the key for remote sources.
	Path string

	// Endpoints of the remote store. Defaults per source type.
	Endpoints []string

	// Watch enables reactive reloads.
	Watch bool

	// OnChange receives each successfully reloaded config.
	OnChange func(*Config) error
}

// Loader loads, validates and optionally watches the config document.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewLoader creates a Loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		logger:   slog.Default().With("component", "config"),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the document from its source and runs the processing pipeline.
// With Watch set, a background watcher keeps reloading on change.
func (l *Loader) Load() (*Config, error) {
	provider, parser, err := l.provider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}
	if err := l.expandEnvVars(); err != nil {
		return nil, err
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider, parser)
	}
	return cfg, nil
}

func (l *Loader) provider() (koanf.Provider, koanf.Parser, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), l.parser, nil

	case SourceConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil, nil

	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

// watcher is the optional reload capability of koanf providers.
type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider, parser koanf.Parser) {
	w, ok := provider.(watcher)
	if !ok {
		l.logger.Warn("Config source does not support watching", "source", l.options.Type)
		return
	}

	l.logger.Info("Config watcher started", "source", l.options.Type, "path", l.options.Path)

	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			l.logger.Warn("Config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, parser); err != nil {
			l.logger.Warn("Failed to reload config", "error", err)
			return
		}
		if err := l.expandEnvVars(); err != nil {
			l.logger.Warn("Failed to expand env vars in reloaded config", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			l.logger.Warn("Reloaded config rejected", "error", err)
			return
		}

		if l.options.OnChange == nil {
			l.logger.Warn("Config changed but no OnChange callback is set")
			return
		}
		if err := l.options.OnChange(newCfg); err != nil {
			l.logger.Warn("Config change callback failed", "error", err)
			return
		}
		l.logger.Info("Configuration reloaded", "source", l.options.Type)
	})
	if err != nil {
		l.logger.Warn("Config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	result, err := ValidateStructure(l.koanf)
	if err != nil {
		return nil, fmt.Errorf("strict validation check failed: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("configuration has structural errors:\n%s", result.FormatErrors())
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Process(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars rewrites ${VAR} references throughout the loaded tree and
// swaps the koanf instance for the expanded copy.
func (l *Loader) expandEnvVars() error {
	expanded, ok := ExpandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = fresh
	return nil
}

// Stop terminates the watcher.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange replaces the reload callback.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// Load is the one-shot convenience entry point.
func Load(opts LoaderOptions) (*Config, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
