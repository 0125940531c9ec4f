package web_test

import (
	"context"
	"testing"
	"time"
)

func testContext(t *testing.T) (context.Context, func()) {
	ctxTest, completeTest := context.WithTimeout(context.Background(), 1100*time.Millisecond)
	go func() {
		after := time.NewTimer(1 * time.Second)
		select {
		case <-ctxTest.Done():
			after.Stop()
		case <-after.C:
			t.Errorf("test timed out")
		}
	}()
	return ctxTest, completeTest
}
