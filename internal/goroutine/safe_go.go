package goroutine

import (
	"runtime/debug"

	"github.com/knigolib/knigolib-backend/internal/logger"
)

// SafeGo запускает фоновую горутину с перехватом panic. Используется для
// побочных задач вроде обновления last_used доверенного устройства: сбой
// такой задачи не должен ронять процесс.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger.Log != nil {
					logger.Log.Errorf("goroutine: перехвачена panic: %v\n%s", r, debug.Stack())
				}
			}
		}()
		fn()
	}()
}
