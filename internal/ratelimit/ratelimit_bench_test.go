package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func BenchmarkInMemoryEnforcer_Algorithms(b *testing.B) {
	ctx := context.Background()
	for _, alg := range []Algorithm{FixedWindow, SlidingWindow, TokenBucket} {
		b.Run(string(alg), func(b *testing.B) {
			e := NewInMemoryEnforcer([]Limit{
				{Name: "rpm", Max: 1 << 40, Window: time.Minute, Algorithm: alg},
				{Name: "tpm", Kind: KindTokens, Max: 1 << 50, Window: time.Minute, Algorithm: alg},
			})
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r, err := e.CheckAndReserve(ctx, "tenant:bench", "", RequestCost(100))
				if err != nil {
					b.Fatal(err)
				}
				// Sliding windows keep one entry per reservation.
				r.Release(ctx)
			}
		})
	}
}

func BenchmarkInMemoryEnforcer_ParallelTenants(b *testing.B) {
	e := NewInMemoryEnforcer([]Limit{{Name: "rpm", Scope: "tenant", Max: 1 << 40, Window: time.Minute}})
	ctx := context.Background()
	ids := make([]string, 128)
	for i := range ids {
		ids[i] = "tenant:" + strconv.Itoa(i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			e.CheckAndReserve(ctx, ids[i%len(ids)], "", RequestCost(100))
			i++
		}
	})
}

func BenchmarkInMemoryEnforcer_Peek(b *testing.B) {
	e := NewInMemoryEnforcer([]Limit{{Name: "rpm", Max: 100, Window: time.Minute}})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Peek(ctx, "tenant:bench", "", RequestCost(100))
	}
}
