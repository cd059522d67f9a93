package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func BenchmarkInMemoryCache(b *testing.B) {
	ctx := context.Background()
	models := testModels()

	b.Run("hit", func(b *testing.B) {
		c := NewInMemoryCache()
		key := Key("catalog", []string{"bedrock"})
		c.Set(ctx, key, models, 5*time.Minute)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			c.Get(ctx, key)
		}
	})

	b.Run("mixed_parallel", func(b *testing.B) {
		c := NewInMemoryCache()
		keys := make([]string, 64)
		for i := range keys {
			keys[i] = "catalog:" + strconv.Itoa(i)
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				k := keys[i%len(keys)]
				if i%8 == 0 {
					c.Set(ctx, k, models, 5*time.Minute)
				} else {
					c.Get(ctx, k)
				}
				i++
			}
		})
	})
}

func BenchmarkKey(b *testing.B) {
	filter := struct {
		Providers        []string
		MinContextWindow int
	}{[]string{"bedrock", "openai"}, 8000}

	for i := 0; i < b.N; i++ {
		Key("catalog", filter)
	}
}
