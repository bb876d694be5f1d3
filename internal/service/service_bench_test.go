package service

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkActivateStored(b *testing.B) {
	h := newHarness(b)
	ctx := context.Background()
	if _, err := h.svc.Activate(ctx, "checkout_flow", "bench-user", qualified); err != nil {
		b.Fatalf("Activate() error = %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		_, _ = h.svc.Activate(ctx, "checkout_flow", "bench-user", qualified)
	}
}

func BenchmarkGetVariationBucketing(b *testing.B) {
	h := newHarness(b)
	ctx := context.Background()

	users := make([]string, 1024)
	for i := range users {
		users[i] = fmt.Sprintf("user-%04d", i)
	}

	i := 0
	b.ResetTimer()
	for b.Loop() {
		_, _ = h.svc.GetVariation(ctx, "checkout_flow", users[i%len(users)], qualified)
		i++
	}
}

func BenchmarkEnabledFeatures(b *testing.B) {
	h := newHarness(b)
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		_, _ = h.svc.EnabledFeatures(ctx, "forced_user", qualified)
	}
}
