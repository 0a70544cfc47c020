package executor

import (
	"fmt"
	"io"
	"os"
	"sort"
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// uniquePath returns base, or base with a numeric suffix if taken.
func uniquePath(base string) (string, error) {
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base, nil
	}
	for i := 1; i < 10000; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free path for %s", base)
}

// teeWriter duplicates w into f when a stdout capture file is open.
func teeWriter(w io.Writer, f *os.File) io.Writer {
	if f == nil {
		return w
	}
	return io.MultiWriter(w, f)
}
