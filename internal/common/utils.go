package common

import (
	"fmt"
	"strings"
)

func FormatStringerSlice[T fmt.Stringer](s []T) string {
	slice := make([]string, 0, len(s))
	for _, d := range s {
		slice = append(slice, d.String())
	}
	return FormatStringSlice(slice)
}

func FormatStringSlice(s []string) string {
	return "[" + strings.Join(s, ", ") + "]"
}

// NormalizeListenAddr turns ":8080" into "0.0.0.0:8080" so the bound
// address is printable before the listener reports it.
func NormalizeListenAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	return addr
}
