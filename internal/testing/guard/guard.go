// Package guard forces test mode for packages whose tests must never touch
// live infrastructure. Import it for its side effect.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("INVOPIPE_TEST_MODE") == "" {
			_ = os.Setenv("INVOPIPE_TEST_MODE", "1")
		}
	})
}
