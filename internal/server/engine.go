package server

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/zipbridge/internal/dispatch"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/stream"
	"github.com/shaunagostinho/zipbridge/internal/trafficlog"
	"github.com/shaunagostinho/zipbridge/internal/transport"
)

// Engine is the protocol engine: one transport, one matcher, one dispatcher
// and one streamer, wired together at startup.
type Engine struct {
	Transport  *transport.Transport
	Matcher    *matcher.Matcher
	Dispatcher *dispatch.Dispatcher
	Streamer   *stream.Streamer
	Traffic    *trafficlog.Logger
}

// NewEngine builds the engine from cfg. open selects the serial backend; nil
// means a real port.
func NewEngine(cfg *Config, open transport.Opener, m *metrics.Metrics) *Engine {
	traffic := trafficlog.New(cfg.trafficConfig())
	t := transport.New(cfg.transportConfig(), open, m, traffic)
	mt := matcher.New(cfg.matcherConfig(), m)
	d := dispatch.New(cfg.dispatchConfig(), t, mt, m)
	s := stream.New(cfg.streamConfig(), d)

	t.OnLine(mt.ProcessLine)

	return &Engine{
		Transport:  t,
		Matcher:    mt,
		Dispatcher: d,
		Streamer:   s,
		Traffic:    traffic,
	}
}

// Run drives every engine goroutine until ctx is cancelled. Queued and
// pending requests are rejected on the way out.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Traffic.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Matcher.Run(ctx) })
	g.Go(func() error { return e.Dispatcher.Run(ctx) })
	g.Go(func() error { return e.Streamer.Run(ctx) })
	g.Go(func() error { return e.Transport.Run(ctx) })

	err := g.Wait()
	log.Printf("[engine] stopped")
	return err
}
