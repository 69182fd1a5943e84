package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// secretKeys holds the dotted keys of every Config field tagged secret:"true".
var secretKeys = collectSecrets(reflect.TypeOf(Config{}), "")

func collectSecrets(t reflect.Type, prefix string) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		if f.Type.Kind() == reflect.Struct {
			for k := range collectSecrets(f.Type, key+".") {
				out[k] = true
			}
			continue
		}
		if f.Tag.Get("secret") == "true" {
			out[key] = true
		}
	}
	return out
}

// IsSecretKey reports whether key names a secret field.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns a nested settings map into dotted keys, e.g. {"llm":
// {"model": "x"}} becomes {"llm.model": "x"}. Empty sections disappear.
func Flatten(m map[string]any) map[string]any {
	v := viper.New()
	for k, val := range m {
		v.Set(k, val)
	}
	out := make(map[string]any)
	for _, k := range v.AllKeys() {
		out[k] = v.Get(k)
	}
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	v := viper.New()
	for k, val := range flat {
		v.Set(k, val)
	}
	return v.AllSettings()
}

// MaskSecrets copies flat, replacing non-empty string secrets with "***"
// followed by their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
