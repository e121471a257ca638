package interceptor

import (
	"path/filepath"
	"strings"
)

// alwaysExcluded symbols are never traced. cuGetProcAddress hands out
// function pointers and is handled by the hook table instead.
var alwaysExcluded = []string{"cuGetProcAddress*"}

// Selection decides which symbols are traced.
type Selection struct {
	// Include lists glob patterns to trace. Empty means every symbol.
	Include []string
	// Exclude takes precedence over Include.
	Exclude []string
}

// DefaultSelection traces every CUDA driver symbol.
func DefaultSelection() Selection {
	return Selection{Include: []string{"cu*"}}
}

// ShouldIntercept reports whether calls to symbol produce events.
func (s Selection) ShouldIntercept(symbol string) bool {
	for _, exclude := range alwaysExcluded {
		if matchesSymbol(symbol, exclude) {
			return false
		}
	}
	for _, exclude := range s.Exclude {
		if matchesSymbol(symbol, exclude) {
			return false
		}
	}

	if len(s.Include) == 0 {
		return true
	}
	for _, include := range s.Include {
		if matchesSymbol(symbol, include) {
			return true
		}
	}
	return false
}

func matchesSymbol(symbol, pattern string) bool {
	// "cuMem..." is accepted as a prefix match
	if strings.HasSuffix(pattern, "...") {
		return strings.HasPrefix(symbol, strings.TrimSuffix(pattern, "..."))
	}
	matched, _ := filepath.Match(pattern, symbol)
	return matched
}
