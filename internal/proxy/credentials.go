package proxy

import (
	"fmt"
	"strings"
)

// LookupFunc reports the value of a named credential source.
// os.LookupEnv satisfies it.
type LookupFunc func(name string) (string, bool)

// ResolveCredential returns the first non-empty value among sources, in
// order. It has no side effects and caches nothing, so a key added to the
// environment of a restarted process is picked up without further wiring.
func ResolveCredential(sources []string, lookup LookupFunc) (string, error) {
	for _, name := range sources {
		if v, ok := lookup(name); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		}
	}
	return "", &ConfigurationError{
		Message: fmt.Sprintf("no upstream API key configured; set one of %s", strings.Join(sources, ", ")),
	}
}
