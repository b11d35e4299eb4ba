package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetenvParser converts the raw value of an environment variable.
type GetenvParser[T any] func(raw string) (T, error)

var (
	GetenvString   GetenvParser[string]        = func(raw string) (string, error) { return raw, nil }
	GetenvInt      GetenvParser[int]           = strconv.Atoi
	GetenvBool     GetenvParser[bool]          = strconv.ParseBool
	GetenvDuration GetenvParser[time.Duration] = time.ParseDuration
	GetenvList     GetenvParser[[]string]      = func(raw string) ([]string, error) { return ParseList(raw), nil }
)

// Getenv reads key and parses it. An unset or empty variable yields def, or an
// error when required is true.
func Getenv[T any](parse GetenvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse GetenvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseList splits a comma-separated list, trimming entries and dropping
// empty ones.
func ParseList(raw string) []string {
	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
