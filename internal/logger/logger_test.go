package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(Discard(), "panicky", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestNew_AcceptsLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		assert.NotNil(t, New(level), level)
	}
}
