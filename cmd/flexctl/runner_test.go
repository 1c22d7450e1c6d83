package main

import (
	"context"
	"sync"
	"testing"

	"github.com/danmuck/flexmodel/internal/config"
	"github.com/danmuck/flexmodel/internal/session"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestRunnerLocalExample(t *testing.T) {
	testlog.Start(t)
	cfg := config.Example()
	cfg.AdminAddr = ""

	var mu sync.Mutex
	captured := make(map[int]map[string][][]int)
	outputs := make(map[int]*tensor.Tensor)
	r := &Runner{
		Config: cfg,
		Layers: 3,
		Hidden: 64,
		Batch:  2,
		Seq:    4,
		Steps:  2,
		observe: func(rank int, s *session.Session, out *tensor.Tensor) {
			mu.Lock()
			defer mu.Unlock()
			shapes := make(map[string][][]int)
			for module, ts := range s.Outputs() {
				for _, tt := range ts {
					shapes[module] = append(shapes[module], tt.Shape())
				}
			}
			captured[rank] = shapes
			outputs[rank] = out
		},
	}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := map[string][][]int{
		"layers.0.mlp": {{2, 4, 64}, {2, 4, 64}},
		"layers.1.mlp": {{2, 4, 64}, {2, 4, 64}},
	}
	if diff := cmp.Diff(want, captured[0]); diff != "" {
		t.Fatalf("leader captures diff (-want +got):\n%s", diff)
	}
	if len(captured[1]) != 0 {
		t.Fatalf("non-leader captured %v", captured[1])
	}
	// layers.1 is zeroed, so layers.2 sees zeros.
	for rank, out := range outputs {
		for _, v := range out.Data() {
			if v != 0 {
				t.Fatalf("rank %d output not zeroed", rank)
			}
		}
	}
}

func TestRunnerRejectsIndivisibleWidth(t *testing.T) {
	testlog.Start(t)
	cfg := config.Example()
	cfg.AdminAddr = ""
	cfg.Hooks = nil
	r := &Runner{Config: cfg, Layers: 1, Hidden: 7, Batch: 1, Seq: 1, Steps: 1}
	if err := r.run(context.Background()); err == nil {
		t.Fatalf("expected width error")
	}
}
