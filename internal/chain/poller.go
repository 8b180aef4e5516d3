package chain

import (
	"context"
	"sync"
	"time"

	"chainwatch/internal/eventbus"
	logx "chainwatch/pkg/logx"
)

// Poller turns a HeightReader into a HeadSource. Run polls the height and
// publishes every increase on the event bus; subscribers read from the bus.
type Poller struct {
	reader   HeightReader
	bus      eventbus.Bus
	log      logx.Logger
	interval time.Duration

	mu     sync.Mutex
	latest uint64
}

func NewPoller(reader HeightReader, bus eventbus.Bus, interval time.Duration, log logx.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		reader:   reader,
		bus:      bus,
		interval: interval,
		log:      log.With(logx.String("comp", "chain.poller")),
	}
}

func (p *Poller) Latest() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Run polls until ctx is done. RPC errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	n, err := p.reader.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("head poll failed", logx.Err(err))
		}
		return
	}
	p.mu.Lock()
	if n <= p.latest {
		p.mu.Unlock()
		return
	}
	p.latest = n
	p.mu.Unlock()

	p.log.Debug("new head", logx.Block(n))
	p.bus.Publish(eventbus.Event{Type: eventbus.ChainHead, Data: n})
}

// SubscribeHeads streams heads from the bus. The latest known head, if any,
// is delivered first. Consumers must tolerate repeats.
func (p *Poller) SubscribeHeads(ctx context.Context) (<-chan uint64, func(), error) {
	events, unsub := p.bus.Subscribe(16, eventbus.ChainHead)
	// Read after subscribing: a head may arrive twice but is never missed.
	latest := p.Latest()
	out := make(chan uint64, 16)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		defer unsub()
		send := func(n uint64) bool {
			select {
			case out <- n:
				return true
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			}
		}
		if latest > 0 && !send(latest) {
			return
		}
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if n, ok := e.Data.(uint64); ok && !send(n) {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
