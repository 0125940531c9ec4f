// +build gofuzz

package lexer

import (
	"fmt"
)

func Fuzz(data []byte) int {
	l := Lexer{}
	key, metrics, errs := l.Run(data)
	for _, m := range metrics {
		if m.Name != key {
			panic(fmt.Errorf("key: %q metric: %+v", key, m))
		}
		if m.Rate <= 0 {
			panic(fmt.Errorf("rate: %+v", m))
		}
	}
	if len(metrics) == 0 && len(errs) == 0 {
		panic(fmt.Errorf("no result for %q", data))
	}
	if len(metrics) > 0 {
		return 1
	}
	return 0
}
