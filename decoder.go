package mvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// DecoderState is the lifecycle state of a Decoder.
type DecoderState int32

const (
	StateUninitialized DecoderState = iota // no decode parameters known
	StateHeaderProbe                       // parsing sequence headers
	StateReady                             // engine initialized, idle
	StateDecoding                          // inside the submit loop
	StateDraining                          // end of stream requested
	StateError                             // last call failed
	StateClosed
)

func (s DecoderState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHeaderProbe:
		return "header-probe"
	case StateReady:
		return "ready"
	case StateDecoding:
		return "decoding"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is the set of conditions reported by Decode.
type Result uint8

const (
	// ResultBuffer asks for more input.
	ResultBuffer Result = 1 << iota
	// ResultPicture means GetPicture has a picture.
	ResultPicture
	// ResultFlushed means the engine stopped responding; pending input and
	// queued views were dropped and the caller should Flush.
	ResultFlushed
	// ResultStalled means no free surface was available; the input is kept
	// and the caller retries after releasing pictures or a short backoff.
	ResultStalled
)

// Has reports whether r contains every flag of f.
func (r Result) Has(f Result) bool { return r&f == f && f != 0 }

func (r Result) String() string {
	var parts []string
	for _, f := range []struct {
		flag Result
		name string
	}{
		{ResultBuffer, "buffer"},
		{ResultPicture, "picture"},
		{ResultFlushed, "flushed"},
		{ResultStalled, "stalled"},
	} {
		if r.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Control is a set of decode control flags.
type Control uint32

// ControlDrain requests end of stream: queued views are paired until one
// view runs out and the unpaired rest is dropped.
const ControlDrain Control = 1 << 0

// Packet is one access unit handed to Decode.
type Packet struct {
	Data []byte
	DTS  int64 // NoTimestamp when unknown
	PTS  int64 // NoTimestamp when unknown
}

// DecoderStats holds decoder statistics.
type DecoderStats struct {
	PacketsIn      uint64
	BytesIn        uint64
	EOSNeutralized uint64
	Submissions    uint64
	Outputs        uint64
	BusyRetries    uint64
	Resets         uint64
	Flushes        uint64 // calls that ended with ResultFlushed
	Stalls         uint64
	Discards       uint64
	BytesDiscarded uint64
	SyncFailures   uint64
	Pictures       uint64 // pictures handed to the consumer
	Released       uint64
	Orphans        uint64
	Pool           PoolStats
}

type outputStage struct {
	pool    *Pool
	pairing *PairingQueue
}

// renderEntry is a synchronized pair waiting for GetPicture.
type renderEntry struct {
	pool      *Pool
	base, ext *Surface
}

// Decoder drives a multiview decode engine. Decode, Open, Flush and Close
// belong to the producer; GetPicture and ReleasePicture may be called from
// another goroutine.
type Decoder struct {
	cfg    DecoderConfig
	engine Engine
	log    logging.LeveledLogger
	clock  clock.Clock
	sync   completion

	state   atomic.Int32
	control atomic.Uint32

	// producer state, guarded by decodeMu
	decodeMu  sync.Mutex
	opened    bool
	closed    bool
	converter *AnnexBConverter
	buf       []byte
	params    VideoParams
	ready     bool
	pool      *Pool
	pairing   *PairingQueue

	// pool and pairing queue as seen by Stats, which never takes decodeMu
	stage atomic.Pointer[outputStage]

	// render queue, guarded by mu
	mu      sync.Mutex
	stereo  StereoLayout
	renderQ []renderEntry
	notify  chan struct{}

	statsMu sync.Mutex
	stats   DecoderStats
}

// NewDecoder creates a decoder over cfg.Engine. The decoder owns the
// engine and closes it in Close; cfg.Device is retained until then.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Device != nil {
		if err := cfg.Device.Retain(); err != nil {
			return nil, err
		}
	}

	d := &Decoder{
		cfg:    cfg,
		engine: cfg.Engine,
		log:    cfg.LoggerFactory.NewLogger("mvc"),
		clock:  cfg.Clock,
		sync:   completion{engine: cfg.Engine, slice: cfg.SyncTimeout},
		notify: make(chan struct{}, 1),
	}
	d.log.Debugf("decoder created: %s engine, async depth %d, %s memory",
		cfg.Engine.Impl(), cfg.AsyncDepth, cfg.Memory)
	return d, nil
}

// State returns the current lifecycle state.
func (d *Decoder) State() DecoderState {
	return DecoderState(d.state.Load())
}

func (d *Decoder) setState(s DecoderState) {
	d.state.Store(int32(s))
}

// SetControl replaces the control flags used by subsequent Decode calls.
func (d *Decoder) SetControl(c Control) {
	d.control.Store(uint32(c))
}

// Control returns the current control flags.
func (d *Decoder) Control() Control {
	return Control(d.control.Load())
}

// Pictures signals when GetPicture may have a picture. The channel holds
// at most one pending signal.
func (d *Decoder) Pictures() <-chan struct{} {
	return d.notify
}

// Stats returns a snapshot of decoder statistics.
func (d *Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()

	if st := d.stage.Load(); st != nil {
		stats.Pool = st.pool.Stats()
		stats.Orphans = st.pairing.Orphans()
	}
	return stats
}

func (d *Decoder) count(f func(s *DecoderStats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}

// Open prepares the decoder for a stream. MVC1 streams have their
// parameter sets decoded from extradata first; AMVC extradata is decoded as
// is. On success info.StereoMode holds the layout tag, on failure "mono".
func (d *Decoder) Open(info *StreamInfo) error {
	d.decodeMu.Lock()
	defer d.decodeMu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.open(info); err != nil {
		info.StereoMode = "mono"
		d.opened = false
		d.setState(StateError)
		d.log.Errorf("open %s stream: %v", info.Tag, err)
		return err
	}

	layout := ParseStereoLayout(info.StereoMode)
	d.mu.Lock()
	d.stereo = layout
	d.mu.Unlock()
	info.StereoMode = layout.String()
	return nil
}

func (d *Decoder) open(info *StreamInfo) error {
	if info.Codec != VideoCodecH264 && info.Codec != VideoCodecH264MVC {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, info.Codec)
	}
	if !info.Tag.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, info.Tag)
	}

	d.teardown()
	d.opened = true
	ctx := context.Background()
	hdr := &Packet{DTS: NoTimestamp, PTS: NoTimestamp}

	switch info.Tag {
	case CodecTagMVC1:
		naluSize, err := NALUSizeFromExtradata(info.Extradata)
		if err != nil {
			return err
		}
		hdr.Data, err = ExtractParameterSets(info.Extradata)
		if err != nil {
			return err
		}
		// parameter sets carry 2-byte lengths, access units the announced width
		if d.converter, err = NewAnnexBConverter(2); err != nil {
			return err
		}
		if len(hdr.Data) > 0 {
			if _, err := d.decode(ctx, hdr); err != nil {
				return err
			}
		}
		return d.converter.SetNALUSize(naluSize)

	default:
		if len(info.Extradata) > 0 {
			hdr.Data = info.Extradata
			if _, err := d.decode(ctx, hdr); err != nil {
				return err
			}
		}
		return nil
	}
}

// teardown returns the decoder to the unopened state, releasing every
// surface it still references and the pool itself.
func (d *Decoder) teardown() {
	d.dropQueues()
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			d.log.Warnf("free surfaces: %v", err)
		}
	}
	d.stage.Store(nil)
	d.pool = nil
	d.pairing = nil
	d.converter = nil
	d.buf = d.buf[:0]
	d.params = VideoParams{}
	d.ready = false
	d.opened = false
	d.setState(StateUninitialized)
}

// Decode appends pkt to the accumulated bitstream and runs the engine until
// the input is consumed. A nil pkt drains frames held by the engine.
func (d *Decoder) Decode(ctx context.Context, pkt *Packet) (Result, error) {
	d.decodeMu.Lock()
	defer d.decodeMu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if !d.opened {
		return 0, ErrNotInitialized
	}
	return d.decode(ctx, pkt)
}

func engineTimestamp(ts int64) uint64 {
	if ts < 0 {
		return TimestampUnknown
	}
	return uint64(ts)
}

func (d *Decoder) decode(ctx context.Context, pkt *Packet) (Result, error) {
	flush := pkt == nil
	bs := &Bitstream{TimeStamp: TimestampUnknown, DecodeTimeStamp: TimestampUnknown}

	if !flush {
		bs.TimeStamp = engineTimestamp(pkt.PTS)
		bs.DecodeTimeStamp = engineTimestamp(pkt.DTS)

		data := pkt.Data
		if d.converter != nil && len(data) > 0 {
			out, err := d.converter.Convert(pkt.Data)
			if err != nil {
				d.setState(StateError)
				return 0, fmt.Errorf("%w: %w", ErrDecode, err)
			}
			data = out
		}
		d.buf = append(d.buf, data...)
		eos := NeutralizeEndOfSequence(d.buf)
		bs.Data = d.buf

		d.count(func(s *DecoderStats) {
			s.PacketsIn++
			s.BytesIn += uint64(len(pkt.Data))
			s.EOSNeutralized += uint64(eos)
		})
	}

	if !d.ready {
		if flush {
			return ResultBuffer, nil
		}
		waiting, err := d.probe(bs)
		if err != nil {
			d.setState(StateError)
			return 0, err
		}
		if waiting {
			return ResultBuffer, nil
		}
	}

	d.setState(StateDecoding)
	loop := d.submit(ctx, bs, flush)
	if loop.err != nil {
		d.setState(StateError)
		return 0, loop.err
	}
	if loop.flushed {
		d.setState(StateReady)
		return ResultFlushed, nil
	}

	// flush is updated by the loop when incompatible parameters forced one
	if bs.DataOffset == 0 && !loop.output && !loop.flush && !loop.stalled && len(d.buf) > 0 {
		d.log.Warnf("decoder did not consume any data, discarding %d bytes", len(d.buf))
		d.count(func(s *DecoderStats) {
			s.Discards++
			s.BytesDiscarded += uint64(len(d.buf))
		})
		bs.DataOffset = len(d.buf)
	}
	d.consume(bs.DataOffset)

	var result Result
	var err error
	if loop.status.Failed() && loop.status != StatusErrMoreData {
		d.log.Errorf("decode: %s", loop.status)
		err = statusError("decode", loop.status)
	}

	drain := d.Control()&ControlDrain != 0
	if drain && d.pairing != nil {
		d.setState(StateDraining)
		d.pairing.Drain(ctx)
	}
	if d.renderLen() > 0 {
		result |= ResultPicture
	}
	if loop.stalled {
		result |= ResultStalled
	}
	if (!loop.status.Failed() || loop.status == StatusErrMoreData) && !drain && !loop.stalled {
		result |= ResultBuffer
	}
	if drain && result == 0 && err == nil {
		result |= ResultBuffer
	}

	switch {
	case err != nil:
		d.setState(StateError)
	case drain:
		d.setState(StateDraining)
	case !d.ready:
		d.setState(StateUninitialized)
	default:
		d.setState(StateReady)
	}
	return result, err
}

// consume drops the first n bytes of the accumulator.
func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	if n > 0 {
		m := copy(d.buf, d.buf[n:])
		d.buf = d.buf[:m]
	}
}

// probe parses the sequence headers and initializes the engine. It reports
// waiting when the engine needs more data first.
func (d *Decoder) probe(bs *Bitstream) (waiting bool, err error) {
	d.setState(StateHeaderProbe)

	st := d.engine.ParseHeader(bs, &d.params)
	if st == StatusErrNotEnoughBuffer {
		d.params.MVC.Grow()
		st = d.engine.ParseHeader(bs, &d.params)
	}
	if st == StatusErrMoreData {
		d.log.Debugf("not enough data to initialize decoder (%s)", st)
		d.buf = d.buf[:0]
		d.setState(StateUninitialized)
		return true, nil
	}
	if st.Failed() {
		return false, statusError("parse header", st)
	}
	if d.params.MVC.NumView != 2 {
		return false, fmt.Errorf("%w: stream describes %d views", ErrUnsupportedViews, d.params.MVC.NumView)
	}

	reinit := d.pool != nil
	if !reinit {
		if err := d.allocateSurfaces(); err != nil {
			return false, err
		}
		st = d.engine.Init(&d.params)
	} else {
		if d.params.Frame.Width > d.pool.info.Width || d.params.Frame.Height > d.pool.info.Height {
			return false, fmt.Errorf("%w: stream grew to %dx%d beyond %dx%d surfaces", ErrNotSupported,
				d.params.Frame.Width, d.params.Frame.Height, d.pool.info.Width, d.pool.info.Height)
		}
		d.params.Memory = d.pool.Memory()
		st = d.engine.Reset(&d.params)
	}
	if st.Failed() {
		return false, statusError("initialize engine", st)
	}
	if st == StatusWarnPartialAcceleration {
		d.log.Warnf("software implementation used instead of hardware (%s)", st)
	}

	views := d.params.MVC.Views
	if len(views) >= 2 {
		d.log.Debugf("initialized multiview decoding with view ids %d, %d", views[0].ViewID, views[1].ViewID)
	}
	d.ready = true
	d.setState(StateReady)
	return false, nil
}

// allocateSurfaces sizes and creates the surface pool: the engine's
// suggestion plus the async depth, plus two per shared surface for device
// memory.
func (d *Decoder) allocateSurfaces() error {
	memory := d.cfg.Memory
	if d.engine.Impl() == ImplSoftware {
		memory = MemoryHostVisible
	}
	d.params.Memory = memory
	d.params.AsyncDepth = d.cfg.AsyncDepth - 2

	req, st := d.engine.QuerySurfaces(&d.params)
	if st.Failed() {
		return statusError("query surfaces", st)
	}
	partial := st == StatusWarnPartialAcceleration
	if partial {
		d.log.Warnf("software implementation used instead of hardware (%s)", st)
	}
	if req.Suggested < d.params.AsyncDepth && d.engine.Impl() == ImplHardware {
		return fmt.Errorf("%w: engine suggests %d surfaces, async depth needs %d",
			ErrDecode, req.Suggested, d.params.AsyncDepth)
	}
	if partial && memory.Device() {
		memory = MemoryHostVisible
		d.params.Memory = memory
		if req, st = d.engine.QuerySurfaces(&d.params); st.Failed() {
			return statusError("query surfaces", st)
		}
	}

	count := req.Suggested + d.cfg.AsyncDepth
	if memory.Device() {
		count += 2 * d.cfg.SharedSurfaces
	}
	info := req.Info
	if info.Width == 0 || info.Height == 0 {
		info = d.params.Frame
	}
	d.log.Debugf("engine suggested %d surfaces, creating %d", req.Suggested, count)

	pool, err := NewPool(PoolConfig{
		Allocator: d.cfg.Allocator,
		Info:      info,
		Memory:    memory,
		Count:     count,
		Shared:    2 * max(d.cfg.SharedSurfaces, 1),
		Grow:      d.cfg.Grow,
		Locked:    d.engine.Locked,
		Logger:    d.log,
	})
	if err != nil {
		return err
	}
	d.pool = pool
	d.pairing = NewPairingQueue(pool, d.cfg.AsyncDepth, d.syncOutput, d.log)
	d.stage.Store(&outputStage{pool: d.pool, pairing: d.pairing})
	return nil
}

// loopResult is the outcome of one run of the submit loop.
type loopResult struct {
	status  Status
	output  bool // at least one surface was queued
	flush   bool // flush submissions were used
	stalled bool
	flushed bool
	err     error
}

// submit feeds the engine until it needs more data, fails, or stalls.
func (d *Decoder) submit(ctx context.Context, bs *Bitstream, flush bool) loopResult {
	res := loopResult{flush: flush}
	busy := newBusyTracker(d.clock, d.cfg.BusyTimeout)

	for {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}

		in, err := d.pool.Acquire()
		if err != nil {
			d.count(func(s *DecoderStats) { s.Stalls++ })
			res.stalled = true
			return res
		}

		input := bs
		if res.flush {
			input = nil
		}
		out, st := d.engine.SubmitAsync(input, in.Handle())
		res.status = st
		d.count(func(s *DecoderStats) { s.Submissions++ })

		if st == StatusWarnDeviceBusy {
			d.count(func(s *DecoderStats) { s.BusyRetries++ })
			switch busy.busy() {
			case busyDoReset:
				d.log.Warnf("decoder did not respond within %v, resetting", d.cfg.BusyTimeout)
				d.count(func(s *DecoderStats) { s.Resets++ })
				if rst := d.engine.Reset(&d.params); rst.Failed() {
					d.log.Errorf("reset: %s", rst)
				}
			case busyGiveUp:
				d.log.Errorf("decoder did not respond after reset, flushing")
				d.count(func(s *DecoderStats) { s.Flushes++ })
				d.buf = d.buf[:0]
				d.pairing.Reset()
				res.flushed = true
				return res
			}
			if d.cfg.BusyPause > 0 {
				d.clock.Sleep(d.cfg.BusyPause)
			}
			continue
		}
		busy.progress()

		if st == StatusErrIncompatibleParams {
			d.log.Warnf("incompatible video parameters, flushing and probing headers again")
			d.buf = d.buf[:0]
			bs.Data, bs.DataOffset = nil, 0
			res.flush = true
			d.ready = false
			continue
		}

		if out.Sync != 0 {
			s, err := d.pool.MarkQueued(out.Surface, out.Sync, out.Info, out.Frame)
			if err != nil {
				res.err = fmt.Errorf("%w: %w", ErrDecode, err)
				return res
			}
			res.output = true
			d.count(func(s *DecoderStats) { s.Outputs++ })
			d.pairing.Push(ctx, s)
			continue
		}

		if st == StatusErrMoreSurface {
			continue
		}
		return res
	}
}

// syncOutput waits for both views of a pair and queues them for the
// consumer. A failed sync drops the pair.
func (d *Decoder) syncOutput(ctx context.Context, base, ext *Surface) {
	if err := d.sync.waitAll(ctx, base.Sync(), ext.Sync()); err != nil {
		d.log.Errorf("sync frame order %d: %v", base.Frame().FrameOrder, err)
		d.count(func(s *DecoderStats) { s.SyncFailures++ })
		d.pool.Release(base)
		d.pool.Release(ext)
		return
	}
	d.pool.clearSync(base)
	d.pool.clearSync(ext)

	d.mu.Lock()
	d.renderQ = append(d.renderQ, renderEntry{pool: d.pool, base: base, ext: ext})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Decoder) renderLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.renderQ)
}

// dropQueues releases every queued view and every synchronized pair not yet
// handed to the consumer.
func (d *Decoder) dropQueues() {
	if d.pairing != nil {
		d.pairing.Reset()
	}
	d.mu.Lock()
	pending := d.renderQ
	d.renderQ = nil
	d.mu.Unlock()
	for _, e := range pending {
		e.pool.Release(e.base)
		e.pool.Release(e.ext)
	}
}

// Flush drops buffered input and queued views and resets a running engine.
// Pictures already returned by GetPicture stay valid until released.
func (d *Decoder) Flush() error {
	d.decodeMu.Lock()
	defer d.decodeMu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.buf = d.buf[:0]
	var err error
	if d.ready {
		if st := d.engine.Reset(&d.params); st.Failed() {
			err = statusError("reset", st)
		}
	}
	d.dropQueues()
	if d.opened {
		if d.ready {
			d.setState(StateReady)
		} else {
			d.setState(StateUninitialized)
		}
	}
	return err
}

// Close releases the surfaces, closes the engine and drops the device
// reference. Pictures must be released before Close.
func (d *Decoder) Close() error {
	d.decodeMu.Lock()
	defer d.decodeMu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	d.dropQueues()
	d.stage.Store(nil)
	if d.pool != nil {
		err = multierr.Append(err, d.pool.Close())
		d.pool = nil
	}
	err = multierr.Append(err, d.engine.Close())
	if d.cfg.Device != nil {
		err = multierr.Append(err, d.cfg.Device.Release())
	}
	d.setState(StateClosed)
	return err
}
