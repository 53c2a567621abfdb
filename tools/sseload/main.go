// Command sseload opens many concurrent subscriptions to a balancewatch SSE
// stream and reports connection, event and ordering counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	balance     atomic.Int64
	pattern     atomic.Int64
	heartbeats  atomic.Int64
	outOfOrder  atomic.Int64
}

func main() {
	var (
		targetURL   string
		connections int
		duration    time.Duration
		rampUp      time.Duration
		after       uint64
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8080/balance/stream", "SSE endpoint URL")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent subscriptions")
	flag.DurationVar(&duration, "dur", 60*time.Second, "test duration (0 runs until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread connection starts across this window")
	flag.Uint64Var(&after, "after", 0, "resume every subscription after this event id")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}
	if rampUp == 0 && connections > 100 {
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Info("starting sse load",
		zap.String("url", targetURL), zap.Int("conns", connections),
		zap.Duration("duration", duration), zap.Duration("ramp", rampUp))

	client := &http.Client{Transport: &http.Transport{
		MaxConnsPerHost:     connections + 100,
		MaxIdleConns:        connections + 100,
		MaxIdleConnsPerHost: connections + 100,
		DisableCompression:  true,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
	}}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rampUp > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(connections)/rampUp.Seconds()), 1)
	}

	var c counters
	start := time.Now()
	go report(ctx, logger, &c, start)

	var g errgroup.Group
	for i := 0; i < connections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			subscribe(ctx, client, targetURL, after, &c)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := max(time.Since(start), time.Millisecond)
	events := c.balance.Load() + c.pattern.Load()
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d balance=%d pattern=%d heartbeats=%d out_of_order=%d elapsed=%s events/s=%.2f\n",
		c.connected.Load(), c.connectErrs.Load(), c.streamErrs.Load(),
		c.balance.Load(), c.pattern.Load(), c.heartbeats.Load(), c.outOfOrder.Load(),
		elapsed.Truncate(time.Millisecond), float64(events)/elapsed.Seconds())
}

func subscribe(ctx context.Context, client *http.Client, url string, after uint64, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.connectErrs.Add(1)
		return
	}
	c.connected.Add(1)

	last := after
	err = readEvents(resp.Body, func(ev event) {
		switch {
		case ev.heartbeat:
			c.heartbeats.Add(1)
			return
		case ev.name == "balance":
			c.balance.Add(1)
		case ev.name == "pattern":
			c.pattern.Add(1)
		}
		if ev.id <= last {
			c.outOfOrder.Add(1)
		}
		last = ev.id
	})
	if err != nil && ctx.Err() == nil {
		c.streamErrs.Add(1)
	}
}

func report(ctx context.Context, l *zap.Logger, c *counters, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Info("status",
				zap.Int64("connected", c.connected.Load()),
				zap.Int64("connect_errs", c.connectErrs.Load()),
				zap.Int64("stream_errs", c.streamErrs.Load()),
				zap.Int64("balance", c.balance.Load()),
				zap.Int64("pattern", c.pattern.Load()),
				zap.Int64("out_of_order", c.outOfOrder.Load()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
