// Command stresstest drives the relay core directly with many concurrent
// publishing workers and reports throughput, adapting the teacher's
// concurrent-workers-with-stats harness to the in-process relay.Core
// pipeline instead of a live websocket client.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/tag"
	"aether.relay.dev/pkg/ratelimit"
	"aether.relay.dev/pkg/relay"
	"aether.relay.dev/pkg/store"
	"aether.relay.dev/pkg/subscription"
)

func main() {
	workers := flag.Int("workers", 8, "number of concurrent publishing workers")
	duration := flag.Duration("duration", 5*time.Second, "how long to run")
	flag.Parse()

	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	limiter := ratelimit.New(ratelimit.Config{RatePerSec: 1e6, Burst: 1e6})
	core := relay.New(engine, subs, limiter, relay.Config{
		Now: func() uint64 { return uint64(time.Now().UnixNano()) },
	})

	var admitted, rejected uint64
	noopSend := func(subscription.Key, *event.E) error { return nil }

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return
			}
			var n uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				ev := &event.E{
					Pubkey:    pub,
					CreatedAt: uint64(time.Now().UnixNano()),
					Kind:      1,
					Tags:      tag.NewList(tag.NewFromStrings("worker", fmt.Sprint(id))),
					Content:   []byte(fmt.Sprintf("stresstest %d-%d", id, n)),
				}
				if err := ev.Sign(priv); err != nil {
					continue
				}
				reason, err := core.Publish("stresstest", ev, noopSend)
				if err != nil || reason != relay.Empty {
					atomic.AddUint64(&rejected, 1)
				} else {
					atomic.AddUint64(&admitted, 1)
				}
				n++
			}
		}(i)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	total := admitted + rejected
	fmt.Printf(
		"workers=%d duration=%s admitted=%d rejected=%d total=%d events/sec=%.1f\n",
		*workers, *duration, admitted, rejected, total,
		float64(total)/duration.Seconds(),
	)
}
