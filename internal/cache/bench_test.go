package cache

import (
	"context"
	"testing"
)

func BenchmarkGetOrLoadHit(b *testing.B) {
	c := New()
	loader := func(ctx context.Context) (*LoadedModel, error) {
		return &LoadedModel{Handle: &fakeHandle{dim: 384}}, nil
	}
	ctx := context.Background()
	if _, err := c.GetOrLoad(ctx, "minilm", loader); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = c.GetOrLoad(ctx, "minilm", loader)
		}
	})
}

func BenchmarkGetOrLoadHitBounded(b *testing.B) {
	c := New(WithMaxLoaded(4))
	loader := func(ctx context.Context) (*LoadedModel, error) {
		return &LoadedModel{Handle: &fakeHandle{dim: 384}}, nil
	}
	ctx := context.Background()
	if _, err := c.GetOrLoad(ctx, "minilm", loader); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = c.GetOrLoad(ctx, "minilm", loader)
		}
	})
}
