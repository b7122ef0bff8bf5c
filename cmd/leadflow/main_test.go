package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDrain_WaitsForLoopsThenClosesInOrder(t *testing.T) {
	var loops sync.WaitGroup
	loops.Add(1)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	go func() {
		defer loops.Done()
		time.Sleep(20 * time.Millisecond)
		record("loop")
	}()

	drain(&loops,
		func() error { record("amqp"); return errors.New("already closed") },
		func() error { record("repo"); return nil },
	)

	want := []string{"loop", "amqp", "repo"}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
}
