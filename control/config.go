// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with typed variables and change listeners.

package control

import (
	"math"
	"reflect"
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/internal/logging"
)

var (
	log       = logging.Named("system")
	validName = regexp.MustCompile(`^[a-z0-9._]+$`)
)

// variable is the untyped view of a Var held by the store.
type variable interface {
	Name() string
	Description() string
	Any() any
	setAny(v any) error
}

// ConfigStore is a dynamic key/value map with typed variables and reload
// listeners. Raw values set before a variable is looked up are applied when
// the variable is created.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	vars      map[string]variable
	listeners []func()
}

var _ api.Control = (*ConfigStore)(nil)

// NewConfigStore initializes an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config: make(map[string]any),
		vars:   make(map[string]variable),
	}
}

// GetSnapshot returns a copy of all raw values merged with the current
// value of every variable.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config)+len(cs.vars))
	for k, v := range cs.config {
		out[k] = v
	}
	for k, v := range cs.vars {
		out[k] = v.Any()
	}
	return out
}

// Names returns the sorted names of the registered variables.
func (cs *ConfigStore) Names() []string {
	cs.mu.RLock()
	names := make([]string, 0, len(cs.vars))
	for k := range cs.vars {
		names = append(names, k)
	}
	cs.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetConfig merges newCfg. Keys naming a variable update it and fire its
// listeners; values that cannot be converted are logged and skipped.
// Reload listeners run after all keys are applied.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) error {
	cs.mu.Lock()
	var apply []func() error
	for k, v := range newCfg {
		cs.config[k] = v
		if vr, ok := cs.vars[k]; ok {
			val := v
			apply = append(apply, func() error { return vr.setAny(val) })
		}
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()

	var first error
	for _, fn := range apply {
		if err := fn(); err != nil {
			log.Error().Err(err).Msg("config value rejected")
			if first == nil {
				first = err
			}
		}
	}
	for _, fn := range listeners {
		fn()
	}
	return first
}

// OnReload registers a listener called after every SetConfig.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Lookup returns the variable name, creating it with def when missing. A
// variable that exists with another type is an error.
func Lookup[T any](cs *ConfigStore, name string, def T, desc string) (*Var[T], error) {
	if !validName.MatchString(name) {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "config name %q", name)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if vr, ok := cs.vars[name]; ok {
		typed, ok := vr.(*Var[T])
		if !ok {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "config %q exists with type %T", name, vr.Any())
		}
		return typed, nil
	}
	v := &Var[T]{name: name, desc: desc, val: def}
	if raw, ok := cs.config[name]; ok {
		if err := v.setAny(raw); err != nil {
			log.Error().Err(err).Str("name", name).Msg("config value rejected")
		}
	}
	cs.vars[name] = v
	return v, nil
}

// Var is a typed configuration variable.
type Var[T any] struct {
	name string
	desc string

	mu        sync.RWMutex
	val       T
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(old, new T)
}

// Name returns the variable name.
func (v *Var[T]) Name() string { return v.name }

// Description returns the help text given at lookup.
func (v *Var[T]) Description() string { return v.desc }

// Value returns the current value.
func (v *Var[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// Any returns the current value as any.
func (v *Var[T]) Any() any { return v.Value() }

// Set stores val and calls the listeners with the old and new value when it
// differs from the current one. Listeners run on the caller's goroutine.
func (v *Var[T]) Set(val T) {
	v.mu.Lock()
	old := v.val
	if reflect.DeepEqual(old, val) {
		v.mu.Unlock()
		return
	}
	v.val = val
	ls := append([]listener[T](nil), v.listeners...)
	v.mu.Unlock()

	log.Info().Str("name", v.name).Interface("old", old).Interface("new", val).Msg("config changed")
	for _, l := range ls {
		l.fn(old, val)
	}
}

// AddListener registers fn and returns a key for DelListener.
func (v *Var[T]) AddListener(fn func(old, new T)) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.listeners = append(v.listeners, listener[T]{id: v.nextID, fn: fn})
	return v.nextID
}

// DelListener removes the listener registered under key.
func (v *Var[T]) DelListener(key uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, l := range v.listeners {
		if l.id == key {
			v.listeners = append(v.listeners[:i], v.listeners[i+1:]...)
			return
		}
	}
}

// ClearListeners removes every listener.
func (v *Var[T]) ClearListeners() {
	v.mu.Lock()
	v.listeners = nil
	v.mu.Unlock()
}

func (v *Var[T]) setAny(raw any) error {
	val, err := convert[T](raw)
	if err != nil {
		return errors.Wrapf(err, "config %q", v.name)
	}
	v.Set(val)
	return nil
}

// convert turns a loaded value into T. Strings are parsed for numeric and
// bool targets, numbers convert between kinds, and a value that does not
// fit T is rejected.
func convert[T any](raw any) (T, error) {
	var zero T
	if t, ok := raw.(T); ok {
		return t, nil
	}
	src := reflect.ValueOf(raw)
	if !src.IsValid() {
		return zero, errors.Wrap(api.ErrInvalidArgument, "nil value")
	}
	if dk := reflect.TypeOf(zero).Kind(); isFloat(src.Kind()) && (isSigned(dk) || isUnsigned(dk)) {
		f := src.Float()
		if f != math.Trunc(f) {
			return zero, errors.Wrapf(api.ErrInvalidArgument, "fractional value %v", raw)
		}
		if math.Abs(f) >= math.MaxInt64 {
			return zero, overflow(raw, zero)
		}
	}

	dst := reflect.ValueOf(&zero).Elem()
	switch k := dst.Kind(); {
	case isSigned(k):
		if isUnsigned(src.Kind()) && src.Uint() > math.MaxInt64 {
			return zero, overflow(raw, zero)
		}
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return zero, errors.Wrap(api.ErrInvalidArgument, err.Error())
		}
		if dst.OverflowInt(n) {
			return zero, overflow(raw, zero)
		}
		dst.SetInt(n)
	case isUnsigned(k):
		n, err := cast.ToUint64E(raw)
		if err != nil {
			return zero, errors.Wrap(api.ErrInvalidArgument, err.Error())
		}
		if dst.OverflowUint(n) {
			return zero, overflow(raw, zero)
		}
		dst.SetUint(n)
	case isFloat(k):
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return zero, errors.Wrap(api.ErrInvalidArgument, err.Error())
		}
		if dst.OverflowFloat(f) {
			return zero, overflow(raw, zero)
		}
		dst.SetFloat(f)
	case k == reflect.Bool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return zero, errors.Wrap(api.ErrInvalidArgument, err.Error())
		}
		dst.SetBool(b)
	case k == reflect.String:
		str, err := cast.ToStringE(raw)
		if err != nil {
			return zero, errors.Wrap(api.ErrInvalidArgument, err.Error())
		}
		dst.SetString(str)
	case src.Kind() == k && src.Type().ConvertibleTo(dst.Type()):
		dst.Set(src.Convert(dst.Type()))
	default:
		return zero, errors.Wrapf(api.ErrInvalidArgument, "cannot use %T as %T", raw, zero)
	}
	return zero, nil
}

func overflow(raw, zero any) error {
	return errors.Wrapf(api.ErrInvalidArgument, "value %v overflows %T", raw, zero)
}

func isSigned(k reflect.Kind) bool { return k >= reflect.Int && k <= reflect.Int64 }

func isUnsigned(k reflect.Kind) bool { return k >= reflect.Uint && k <= reflect.Uintptr }

func isFloat(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }

