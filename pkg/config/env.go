package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// envReader reads typed environment values, accumulating parse failures so
// the caller can report them all at once.
type envReader struct {
	errs *[]error
}

func newEnvReader(errs *[]error) *envReader {
	return &envReader{errs: errs}
}

func (r *envReader) Str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *envReader) Bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "boolean")
		return def
	}
	return parsed
}

func (r *envReader) Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer")
		return def
	}
	return parsed
}

func (r *envReader) Float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "number")
		return def
	}
	return parsed
}

// Seconds reads an integer number of seconds into a Duration.
func (r *envReader) Seconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer seconds")
		return def
	}
	return time.Duration(parsed) * time.Second
}

func (r *envReader) fail(key, value, want string) {
	*r.errs = append(*r.errs, fmt.Errorf("%s: %q is not a valid %s", key, value, want))
}
