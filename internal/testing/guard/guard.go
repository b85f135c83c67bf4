package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("CAJA_TEST_MODE") == "" {
			_ = os.Setenv("CAJA_TEST_MODE", "1")
		}
	})
}
