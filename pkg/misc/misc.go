package misc

import (
	"fmt"
	"strings"
)

var sizeSuffixes = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

func FormatFileSize(bytes int64) string {
	size := float64(bytes)

	var suffixIndex int
	for size/1024 > 1 {
		size /= 1024
		suffixIndex++
	}

	res := []rune(fmt.Sprintf("%.2f", size))
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] != '0' {
			if res[i] == '.' {
				i--
			}
			res = res[:i+1]
			break
		}
	}

	return string(res) + " " + sizeSuffixes[suffixIndex]
}

func EnsurePrefix(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + s
}

// Truncate cuts s to at most n runes and appends "..." if something was cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
