package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind is the type of value a config path holds.
type Kind string

const (
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindList   Kind = "list" // comma separated on the command line
)

// secretPaths are masked by Sanitize. Values that are still ${VAR}
// references are shown as is.
var secretPaths = []string{"channels.telegram.token"}

// Schema maps every settable dot path (e.g. "pipeline.stableThreshold") to
// the kind of value it holds.
func Schema() map[string]Kind {
	out := make(map[string]Kind)
	walkSchema("", reflect.TypeOf(Config{}), out)
	return out
}

func walkSchema(prefix string, t reflect.Type, out map[string]Kind) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := jsonName(f)
		if name == "" {
			continue
		}
		path := joinPath(prefix, name)
		switch f.Type.Kind() {
		case reflect.Struct:
			walkSchema(path, f.Type, out)
		case reflect.Bool:
			out[path] = KindBool
		case reflect.Int, reflect.Int64:
			out[path] = KindInt
		case reflect.Slice:
			out[path] = KindList
		case reflect.String:
			out[path] = KindString
		}
	}
}

// GetByPath returns the value at path. A section path such as "pipeline"
// returns every value under it keyed by the remaining path.
func GetByPath(cfg *Config, path string) (any, error) {
	if _, ok := Schema()[path]; ok {
		v, _ := lookup(cfg, path)
		return v.Interface(), nil
	}
	section := make(map[string]any)
	for p, v := range ListPaths(cfg) {
		if rest, ok := strings.CutPrefix(p, path+"."); ok {
			section[rest] = v
		}
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("unknown config path: %s", path)
	}
	return section, nil
}

// SetByPath parses value according to the kind of path and stores it.
// Unknown paths and values of the wrong kind are rejected.
func SetByPath(cfg *Config, path, value string) error {
	kind, ok := Schema()[path]
	if !ok {
		return fmt.Errorf("unknown config path: %s (see 'chatrelay config list')", path)
	}
	field, _ := lookup(cfg, path)

	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, value)
		}
		field.SetBool(b)
	case KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, value)
		}
		field.SetInt(n)
	case KindList:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		list := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			list.Index(i).SetString(item)
		}
		field.Set(list)
	default:
		field.SetString(value)
	}
	return nil
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Capture.Command = append([]string(nil), cfg.Capture.Command...)
	out.Channels.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Channels.Telegram.AllowFrom...)
	out.Channels.Telegram.NotifyChats = append(FlexStringList(nil), cfg.Channels.Telegram.NotifyChats...)
	for _, path := range secretPaths {
		field, _ := lookup(&out, path)
		if s := field.String(); s != "" && !strings.HasPrefix(s, "${") {
			field.SetString(maskString(s))
		}
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	result := make(map[string]any)
	for path := range Schema() {
		v, _ := lookup(cfg, path)
		result[path] = v.Interface()
	}
	return result
}

// SortedPaths returns the schema paths in order.
func SortedPaths() []string {
	schema := Schema()
	paths := make([]string, 0, len(schema))
	for p := range schema {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// lookup returns the addressable field behind path.
func lookup(cfg *Config, path string) (reflect.Value, bool) {
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		found := false
		for i := 0; i < v.NumField(); i++ {
			if jsonName(v.Type().Field(i)) == key {
				v = v.Field(i)
				found = true
				break
			}
		}
		if !found {
			return reflect.Value{}, false
		}
	}
	return v, true
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
