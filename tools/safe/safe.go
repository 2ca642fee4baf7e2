package safe

import (
	"FamLink/logger"
)

// Go starts a goroutine that recovers from panics so a single bad handler
// cannot take down the whole gateway.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
