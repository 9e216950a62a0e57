package goroutine

import (
	"testing"
	"time"
)

func waitOrFail(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func TestSafeGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() {
		close(done)
	})
	waitOrFail(t, done, "горутина не выполнилась")
}

func TestSafeGoRecoversPanic(t *testing.T) {
	panicked := make(chan struct{})
	SafeGo(func() {
		defer close(panicked)
		panic("boom")
	})
	waitOrFail(t, panicked, "горутина не выполнилась")

	// Panic перехвачена, процесс жив и следующая задача выполняется как обычно.
	done := make(chan struct{})
	SafeGo(func() {
		close(done)
	})
	waitOrFail(t, done, "горутина не выполнилась после panic")
}
