package x11

import (
	"context"
	"sync"
	"time"

	"github.com/BurntSushi/xgbutil"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const (
	defaultPollInterval = 16 * time.Millisecond
	idlePollInterval    = 100 * time.Millisecond
	idleAfter           = 2 * time.Second
	pollBuffer          = 128
)

// Poller is the fallback pointer driver: it polls QueryPointer instead of
// hooking input. It backs off while the pointer is at rest.
type Poller struct {
	display  string
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	xu      *xgbutil.XUtil
	samples chan platform.PointerSample
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(display string, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{display: display, interval: interval, logger: logging.OrNop(logger).Named("x11-pointer")}
}

func (p *Poller) Name() string {
	return "x11-poll"
}

func (p *Poller) Kind() platform.DriverKind {
	return platform.KindFallback
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	xu, err := connect(p.Name(), p.display)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.xu = xu
	p.cancel = cancel
	p.samples = make(chan platform.PointerSample, pollBuffer)
	p.running = true

	p.wg.Add(1)
	go p.poll(runCtx, xu, p.samples)
	return nil
}

func (p *Poller) poll(ctx context.Context, xu *xgbutil.XUtil, out chan<- platform.PointerSample) {
	defer p.wg.Done()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	var last platform.PointerSample
	lastChange := time.Now()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pos, down, err := queryPointer(xu)
		if err != nil {
			failures++
			if failures == 1 {
				p.logger.Warn("pointer query failed", zap.Error(err))
			}
			timer.Reset(idlePollInterval)
			continue
		}
		failures = 0

		s := platform.PointerSample{X: pos.X, Y: pos.Y, ButtonDown: down, TimestampMs: platform.NowMs()}
		if s.X != last.X || s.Y != last.Y || s.ButtonDown != last.ButtonDown {
			last = s
			lastChange = time.Now()
			select {
			case out <- s:
			default:
			}
		}

		next := p.interval
		if !down && time.Since(lastChange) > idleAfter {
			next = idlePollInterval
		}
		timer.Reset(next)
	}
}

func (p *Poller) Samples() <-chan platform.PointerSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	xu := p.xu
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	xu.Conn().Close()

	p.mu.Lock()
	close(p.samples)
	p.mu.Unlock()
}
