package mvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// PipelineState represents the state of a decode pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Decoding
	PipelineStateStopped                      // Stopped or finished
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PictureCallback receives decoded stereo pictures. The picture is released
// when the callback returns.
type PictureCallback func(pic *Picture)

// DecodePipelineConfig configures a decode pipeline.
type DecodePipelineConfig struct {
	Source        AccessUnitSource      // Access unit source
	Decoder       *Decoder              // Decoder, opened from the source when it is a StreamInfoSource
	OnPicture     PictureCallback       // Picture callback
	OnError       func(error)           // Error callback
	LoggerFactory logging.LoggerFactory // nil = pion default factory
	Clock         clock.Clock           // nil = wall clock
	StallBackoff  time.Duration         // wait after a stalled decode (0 = 5ms)
}

// DecodePipelineStats provides decode pipeline statistics.
type DecodePipelineStats struct {
	AccessUnits uint64
	Bytes       uint64
	Pictures    uint64
	Stalls      uint64
	Flushes     uint64
	Errors      uint64
}

// DecodePipeline handles: AccessUnitSource -> Decoder -> PictureCallback.
// One goroutine feeds the decoder, another pulls pictures.
type DecodePipeline struct {
	source    AccessUnitSource
	decoder   *Decoder
	onPicture PictureCallback
	onError   func(error)
	log       logging.LeveledLogger
	clock     clock.Clock
	backoff   time.Duration

	state    atomic.Int32
	cancel   context.CancelFunc
	group    *errgroup.Group
	produced chan struct{}

	stats   DecodePipelineStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewDecodePipeline creates a new decode pipeline.
func NewDecodePipeline(config DecodePipelineConfig) (*DecodePipeline, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	backoff := config.StallBackoff
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}

	p := &DecodePipeline{
		source:    config.Source,
		decoder:   config.Decoder,
		onPicture: config.OnPicture,
		onError:   config.OnError,
		log:       factory.NewLogger("mvc-pipeline"),
		clock:     clk,
		backoff:   backoff,
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// Start starts decoding. The pipeline stops by itself at the end of the
// source; Wait returns once it has.
func (p *DecodePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if PipelineState(p.state.Load()) == PipelineStateRunning {
		return ErrPipelineRunning
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.produced = make(chan struct{})
	p.state.Store(int32(PipelineStateRunning))

	p.group.Go(func() error { return p.produce(ctx) })
	p.group.Go(func() error { return p.consume(ctx) })
	return nil
}

// Wait blocks until the pipeline finishes and returns the first error.
// Cancellation through Stop is not an error.
func (p *DecodePipeline) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}

	err := g.Wait()
	p.state.Store(int32(PipelineStateStopped))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels decoding and waits for both goroutines.
func (p *DecodePipeline) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return p.Wait()
}

// Close stops the pipeline and closes the source and the decoder.
func (p *DecodePipeline) Close() error {
	err := p.Stop()
	err = multierr.Append(err, p.source.Close())
	err = multierr.Append(err, p.decoder.Close())
	return err
}

// OnPicture sets the picture callback.
func (p *DecodePipeline) OnPicture(callback PictureCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPicture = callback
}

// State returns the current pipeline state.
func (p *DecodePipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns decode pipeline statistics.
func (p *DecodePipeline) Stats() DecodePipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *DecodePipeline) produce(ctx context.Context) error {
	defer close(p.produced)

	if src, ok := p.source.(StreamInfoSource); ok {
		info, err := src.StreamInfo(ctx)
		switch {
		case errors.Is(err, ErrSourceNotConfigured):
		case err != nil:
			return fmt.Errorf("stream info: %w", err)
		default:
			if err := p.decoder.Open(info); err != nil {
				return fmt.Errorf("open decoder: %w", err)
			}
			p.log.Infof("decoding %s stream (%s), %dx%d", info.Tag, info.StereoMode, info.Width, info.Height)
		}
	}

	for {
		pkt, err := p.source.ReadAccessUnit(ctx)
		if errors.Is(err, io.EOF) {
			return p.drain(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read access unit: %w", err)
		}

		p.statsMu.Lock()
		p.stats.AccessUnits++
		p.stats.Bytes += uint64(len(pkt.Data))
		p.statsMu.Unlock()

		if err := p.feed(ctx, pkt); err != nil {
			return err
		}
	}
}

// feed decodes pkt, retrying while the decoder is stalled. Retries resubmit
// the accumulated input with an empty packet.
func (p *DecodePipeline) feed(ctx context.Context, pkt *Packet) error {
	for {
		res, err := p.decoder.Decode(ctx, pkt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnsupportedViews) || errors.Is(err, ErrClosed) || errors.Is(err, ErrNotInitialized) {
				return err
			}
			p.handleError(err)
			return nil
		}

		if res.Has(ResultFlushed) {
			p.log.Warn("decoder flushed after an unresponsive engine")
			p.statsMu.Lock()
			p.stats.Flushes++
			p.statsMu.Unlock()
			if err := p.decoder.Flush(); err != nil {
				p.handleError(err)
			}
		}
		if !res.Has(ResultStalled) {
			return nil
		}

		p.statsMu.Lock()
		p.stats.Stalls++
		p.statsMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.backoff):
		}
		pkt = &Packet{DTS: NoTimestamp, PTS: NoTimestamp}
	}
}

// drain flushes the frames held by the engine and pairs what is left.
func (p *DecodePipeline) drain(ctx context.Context) error {
	p.decoder.SetControl(ControlDrain)
	defer p.decoder.SetControl(0)

	for {
		res, err := p.decoder.Decode(ctx, nil)
		if err != nil {
			if errors.Is(err, ErrNotInitialized) {
				return nil
			}
			return fmt.Errorf("drain: %w", err)
		}
		if !res.Has(ResultStalled) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.backoff):
		}
	}
}

func (p *DecodePipeline) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.decoder.Pictures():
			p.deliver()
		case <-p.produced:
			p.deliver()
			return nil
		}
	}
}

func (p *DecodePipeline) deliver() {
	for {
		pic, ok := p.decoder.GetPicture()
		if !ok {
			return
		}

		p.mu.Lock()
		cb := p.onPicture
		p.mu.Unlock()
		if cb != nil {
			cb(pic)
		}

		if err := p.decoder.ReleasePicture(pic); err != nil {
			p.handleError(err)
		}
		p.statsMu.Lock()
		p.stats.Pictures++
		p.statsMu.Unlock()
	}
}

func (p *DecodePipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()
	p.log.Errorf("%v", err)

	p.mu.Lock()
	cb := p.onError
	p.mu.Unlock()

	if cb != nil {
		go cb(err)
	}
}
