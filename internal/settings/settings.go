// Package settings is the live key/value configuration of a running door
// controller. Static keys come from the configuration file and are replaced
// on reload; a small whitelist of runtime keys is written by the coordinator
// and survives reloads.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"pkt.systems/doord/api"
)

// Static keys.
const (
	KeyDoorName     = "door.name"
	KeyOpenTimeout  = "door.open.timeout"
	KeyGPIORing     = "gpio.ring"
	KeyGPIOOpen     = "gpio.open"
	KeySlackWebhook = "slack.webhook"
	KeySlackBaseURL = "slack.baseurl"
	KeySlackChannel = "slack.channel"
)

// Runtime keys, the only keys accepted by Set.
const (
	KeyLastRing   = "door.last.ring"
	KeyLastOpen   = "door.last.open"
	KeyOpenSecret = "door.open.secret"
)

var (
	// ErrReadOnly is returned by Set for keys outside the runtime whitelist.
	ErrReadOnly = errors.New("settings: key is not runtime mutable")
)

var defaults = map[string]any{
	KeyDoorName:     "Door",
	KeyOpenTimeout:  60,
	KeyGPIORing:     18,
	KeyGPIOOpen:     23,
	KeySlackWebhook: "",
	KeySlackBaseURL: "",
	KeySlackChannel: "",
}

var runtimeKeys = map[string]struct{}{
	KeyLastRing:   {},
	KeyLastOpen:   {},
	KeyOpenSecret: {},
}

// Default returns the built-in default for key, or nil when none exists.
func Default(key string) any {
	return defaults[strings.ToLower(key)]
}

// Defaults returns a copy of all built-in defaults.
func Defaults() map[string]any {
	out := make(map[string]any, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out
}

// IsRuntime reports whether key may be written with Set.
func IsRuntime(key string) bool {
	_, ok := runtimeKeys[strings.ToLower(key)]
	return ok
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// New returns a store holding values layered over the built-in defaults.
func New(values map[string]any) *Store {
	s := &Store{}
	s.v = build(values, nil)
	return s
}

// Load replaces every static value with values layered over the defaults.
// Runtime keys keep their current values.
func (s *Store) Load(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = build(values, s.v)
}

func build(values map[string]any, previous *viper.Viper) *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, value := range values {
		if IsRuntime(key) {
			continue
		}
		v.Set(key, value)
	}
	if previous != nil {
		for key := range runtimeKeys {
			if previous.IsSet(key) {
				v.Set(key, previous.GetString(key))
			}
		}
	}
	return v
}

// String returns the value of key as a string.
func (s *Store) String(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

// Int returns the value of key as an int. Values that cannot be converted
// fall back to the built-in default.
func (s *Store) Int(key string) int {
	s.mu.RLock()
	raw := s.v.Get(key)
	s.mu.RUnlock()
	n, err := cast.ToIntE(raw)
	if err != nil {
		n, _ = cast.ToIntE(Default(key))
	}
	return n
}

// Seconds returns the value of key, an integer number of seconds, as a
// duration. Non-positive values fall back to the built-in default.
func (s *Store) Seconds(key string) time.Duration {
	n := s.Int(key)
	if n <= 0 {
		n, _ = cast.ToIntE(Default(key))
	}
	return time.Duration(n) * time.Second
}

// Set writes a runtime key.
func (s *Store) Set(key, value string) error {
	if !IsRuntime(key) {
		return fmt.Errorf("%w: %s", ErrReadOnly, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	return nil
}

// Time returns a runtime timestamp key. The second value is false when the
// key is unset or unparsable.
func (s *Store) Time(key string) (time.Time, bool) {
	raw := s.String(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := api.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetTime writes a runtime timestamp key in wire format.
func (s *Store) SetTime(key string, t time.Time) error {
	return s.Set(key, api.FormatTimestamp(t))
}

// Keys returns every key that has a value or a default, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := s.v.AllKeys()
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
