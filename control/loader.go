// File: control/loader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Viper backed loader pushing file and environment values into a ConfigStore.

package control

import (
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/momentics/hioload-fiber/api"
)

// EnvPrefix prefixes environment overrides: fiber.stack_size is read from
// HIOLOAD_FIBER_STACK_SIZE.
const EnvPrefix = "HIOLOAD"

// Loader reads an optional config file plus environment overrides and
// applies them to a store.
type Loader struct {
	mu       sync.Mutex
	v        *viper.Viper
	store    *ConfigStore
	file     string
	watching bool
}

// NewLoader creates a loader for store. file may be empty, in which case
// only the environment is consulted.
func NewLoader(store *ConfigStore, file string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return &Loader{v: v, store: store, file: file}
}

// Load reads the file, if any, and pushes every known key to the store.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", l.file)
		}
	}
	return l.push()
}

// push applies file keys and the store's variables found in the environment.
func (l *Loader) push() error {
	values := make(map[string]any)
	for _, k := range l.v.AllKeys() {
		values[k] = l.v.Get(k)
	}
	for _, name := range l.store.Names() {
		if l.v.IsSet(name) {
			values[name] = l.v.Get(name)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return l.store.SetConfig(values)
}

// Watch re-applies the file whenever it changes on disk.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == "" {
		return errors.Wrap(api.ErrInvalidArgument, "watch without config file")
	}
	if l.watching {
		return nil
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config file changed")
		l.mu.Lock()
		defer l.mu.Unlock()
		if err := l.push(); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload")
		}
	})
	l.v.WatchConfig()
	l.watching = true
	return nil
}

// Viper exposes the underlying viper instance.
func (l *Loader) Viper() *viper.Viper { return l.v }
