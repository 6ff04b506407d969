// Command canvasbot connects a handful of drawing bots to a sketchsync server.
// It is used for smoke and load testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/presence"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
	"github.com/manpreetbhatti/sketchsync/internal/wsclient"
)

type options struct {
	url      string
	session  string
	bots     int
	strokes  int
	points   int
	interval time.Duration
	verbose  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "server websocket URL")
	flag.StringVar(&opts.session, "session", "demo", "session to draw in")
	flag.IntVar(&opts.bots, "bots", 5, "number of concurrent bots")
	flag.IntVar(&opts.strokes, "strokes", 10, "strokes per bot")
	flag.IntVar(&opts.points, "points", 20, "stroke_move events per stroke")
	flag.DurationVar(&opts.interval, "interval", 16*time.Millisecond, "delay between events")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func run(opts options) error {
	if opts.bots <= 0 {
		return fmt.Errorf("bots must be positive, got %d", opts.bots)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg       sync.WaitGroup
		sent     atomic.Int64
		received atomic.Int64
		failed   atomic.Int32
	)
	start := time.Now()

	for i := 0; i < opts.bots; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := &bot{
				name:     fmt.Sprintf("bot-%d", n+1),
				opts:     opts,
				rng:      rand.New(rand.NewPCG(uint64(n), uint64(time.Now().UnixNano()))),
				logger:   logger.With("bot", n+1),
				sent:     &sent,
				received: &received,
			}
			if err := b.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				failed.Add(1)
				b.logger.Error("bot failed", "error", err)
			}
		}(i)
	}
	wg.Wait()

	logger.Info("🤖 done",
		"bots", opts.bots,
		"failed", failed.Load(),
		"sent", sent.Load(),
		"received", received.Load(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if failed.Load() > 0 {
		return fmt.Errorf("%d of %d bots failed", failed.Load(), opts.bots)
	}
	return nil
}

type bot struct {
	name     string
	opts     options
	rng      *rand.Rand
	logger   *slog.Logger
	sent     *atomic.Int64
	received *atomic.Int64
}

func (b *bot) run(ctx context.Context) error {
	client, err := wsclient.Dial(ctx, wsclient.Options{
		URL:      b.opts.url,
		UserName: b.name,
		Logger:   b.logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	go b.drain(client)

	if err := client.Join(ctx, b.opts.session); err != nil {
		return fmt.Errorf("join %s: %w", b.opts.session, err)
	}
	b.logger.Debug("joined", "session", b.opts.session)

	color := presence.Colors[b.rng.IntN(len(presence.Colors))]
	for s := 0; s < b.opts.strokes; s++ {
		if err := b.drawStroke(ctx, client, color); err != nil {
			return err
		}
	}
	return nil
}

func (b *bot) drain(client *wsclient.Client) {
	for env := range client.Messages() {
		b.received.Add(1)
		b.logger.Debug("received", "type", env.Type)
	}
}

// drawStroke sends a random walk as stroke_start, stroke_move... stroke_end,
// with a cursor update alongside every point.
func (b *bot) drawStroke(ctx context.Context, client *wsclient.Client, color string) error {
	p := strokelog.Point{
		X:     b.rng.Float64() * 1200,
		Y:     b.rng.Float64() * 800,
		Tool:  "pen",
		Color: color,
		Size:  float64(1 + b.rng.IntN(8)),
	}
	if err := b.send(ctx, client, protocol.TypeStrokeStart, p); err != nil {
		return err
	}

	for i := 0; i < b.opts.points; i++ {
		p.X += b.rng.NormFloat64() * 8
		p.Y += b.rng.NormFloat64() * 8
		if err := b.send(ctx, client, protocol.TypeStrokeMove, p); err != nil {
			return err
		}
		if err := b.send(ctx, client, protocol.TypeCursorMove, protocol.CursorData{X: p.X, Y: p.Y}); err != nil {
			return err
		}
	}

	return b.send(ctx, client, protocol.TypeStrokeEnd, nil)
}

func (b *bot) send(ctx context.Context, client *wsclient.Client, t protocol.MessageType, data any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.Done():
		if err := client.Err(); err != nil {
			return err
		}
		return wsclient.ErrDisconnected
	case <-time.After(b.opts.interval):
	}
	err := client.Send(ctx, t, data)
	if errors.Is(err, wsclient.ErrDisconnected) {
		// reconnect in progress; drop the event
		return nil
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	b.sent.Add(1)
	return nil
}
