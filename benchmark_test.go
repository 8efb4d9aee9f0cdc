package mqrpc

import (
	"context"
	"testing"
)

func BenchmarkMemoryPublish(b *testing.B) {
	c := newTestClient(b, NewMemoryTransport())
	body := []byte("test")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Publish(ctx, "bench", body)
	}
}

func BenchmarkMemoryFetch(b *testing.B) {
	c := newTestClient(b, NewMemoryTransport())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.CreateQueue(ctx, QueueName("bench"), BindTo(DefaultExchange, "bench")); err != nil {
		b.Fatal(err)
	}
	go func() {
		_ = c.Listen(ctx, "bench", HandlerFunc(func(ctx context.Context, body []byte, props Properties) ([]byte, error) {
			return body, nil
		}))
	}()

	body := []byte("ping")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Fetch(ctx, "bench", body); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMatchTopic(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = MatchTopic("orders.#.eu", "orders.created.vip.eu")
	}
}

func BenchmarkJsonMarshaler_Marshal(b *testing.B) {
	m := JsonMarshaler{}
	dataStruct := struct {
		ID   int      `json:"id"`
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{ID: 123, Name: "Test Object", Tags: []string{"tag1", "tag2"}}

	b.Run("Bytes", func(b *testing.B) {
		data := []byte("hello world")
		for i := 0; i < b.N; i++ {
			_, _ = m.Marshal(data)
		}
	})

	b.Run("Struct", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = m.Marshal(dataStruct)
		}
	})
}

func BenchmarkOptionTracker(b *testing.B) {
	ctx := context.Background()
	type key struct{}

	b.Run("WithTrackedValue", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = WithTrackedValue(ctx, key{}, "val", "test.Option")
		}
	})

	b.Run("GetTrackedValue", func(b *testing.B) {
		trackedCtx := WithTrackedValue(ctx, key{}, "val", "test.Option")
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = GetTrackedValue(trackedCtx, key{})
		}
	})
}
