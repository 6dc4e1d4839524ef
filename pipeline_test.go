package mvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// pictureSink collects picture metadata delivered by a pipeline.
type pictureSink struct {
	mu     sync.Mutex
	orders []uint32
}

func (s *pictureSink) onPicture(pic *Picture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, pic.FrameOrder)
}

func (s *pictureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// blockingSource never produces an access unit.
type blockingSource struct{}

func (blockingSource) ReadAccessUnit(ctx context.Context) (*Packet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func amvcPackets(n int) []*Packet {
	packets := []*Packet{{Data: headerUnits(), DTS: NoTimestamp, PTS: NoTimestamp}}
	for i := 1; i <= n; i++ {
		packets = append(packets, &Packet{Data: accessUnit(byte(i), byte(i)), DTS: NoTimestamp, PTS: int64(i) * 3000})
	}
	return packets
}

func newTestPipeline(t *testing.T, f *decoderFixture, src AccessUnitSource, sink *pictureSink) *DecodePipeline {
	t.Helper()
	p, err := NewDecodePipeline(DecodePipelineConfig{
		Source:       src,
		Decoder:      f.dec,
		OnPicture:    sink.onPicture,
		StallBackoff: time.Millisecond,
		OnError: func(err error) {
			t.Logf("Pipeline error: %v", err)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return p
}

func TestDecodePipeline(t *testing.T) {
	tests := []struct {
		name  string
		depth int
	}{
		{"eager pairing", 2},
		{"paired on drain", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDecoderFixture(t, withAsyncDepth(tt.depth))
			info := &StreamInfo{Codec: VideoCodecH264MVC, Tag: CodecTagAMVC, StereoMode: "left-right"}
			sink := &pictureSink{}
			p := newTestPipeline(t, f, NewPacketSource(info, amvcPackets(4)), sink)

			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Failed to start pipeline: %v", err)
			}
			if err := p.Wait(); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if p.State() != PipelineStateStopped {
				t.Errorf("State = %v, want stopped", p.State())
			}

			stats := p.Stats()
			t.Logf("Pipeline stats: access units=%d, pictures=%d", stats.AccessUnits, stats.Pictures)
			if stats.AccessUnits != 5 || stats.Pictures != 4 {
				t.Errorf("stats = %+v", stats)
			}
			sink.mu.Lock()
			orders := append([]uint32(nil), sink.orders...)
			sink.mu.Unlock()
			for i, o := range orders {
				if o != uint32(i+1) {
					t.Errorf("picture %d has frame order %d", i, o)
				}
			}
			if f.dec.Control() != 0 {
				t.Error("drain control left set")
			}
			if st := f.dec.Stats().Pool; st.Queued != 0 || st.Rendered != 0 {
				t.Errorf("surfaces held after the pipeline finished: %+v", st)
			}

			if err := p.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestDecodePipelineStall(t *testing.T) {
	f := newDecoderFixture(t, withAsyncDepth(2))
	f.openAMVC(t)
	f.engine.set(func(e *fakeEngine) { e.lockAll = true })

	sink := &pictureSink{}
	p := newTestPipeline(t, f, NewPacketSource(nil, amvcPackets(1)), sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Stalls < 2 {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never stalled")
		}
		time.Sleep(time.Millisecond)
	}
	f.engine.set(func(e *fakeEngine) { e.lockAll = false })

	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Errorf("pictures = %d, want 1", sink.count())
	}
}

func TestDecodePipelineFlushesUnresponsiveEngine(t *testing.T) {
	f := newDecoderFixture(t)
	// busy long enough for one reset and the final give up
	f.engine.set(func(e *fakeEngine) { e.busy = 6 })

	info := &StreamInfo{Codec: VideoCodecH264MVC, Tag: CodecTagAMVC}
	sink := &pictureSink{}
	p := newTestPipeline(t, f, NewPacketSource(info, amvcPackets(1)), sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if stats := p.Stats(); stats.Flushes != 1 {
		t.Errorf("flushes = %d, want 1", stats.Flushes)
	}
	if st := f.dec.Stats(); st.Resets != 1 {
		t.Errorf("resets = %d, want 1", st.Resets)
	}
	if sink.count() != 1 {
		t.Errorf("pictures = %d, want the access unit after the flush", sink.count())
	}
}

func TestDecodePipelineFatalErrors(t *testing.T) {
	f := newDecoderFixture(t)
	f.engine.views = 3

	info := &StreamInfo{Codec: VideoCodecH264MVC, Tag: CodecTagAMVC}
	p := newTestPipeline(t, f, NewPacketSource(info, amvcPackets(2)), &pictureSink{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); !errors.Is(err, ErrUnsupportedViews) {
		t.Errorf("Wait = %v, want ErrUnsupportedViews", err)
	}

	g := newDecoderFixture(t)
	bad := &StreamInfo{Codec: VideoCodecH264MVC, Tag: MakeTag('a', 'v', 'c', '1')}
	p = newTestPipeline(t, g, NewPacketSource(bad, nil), &pictureSink{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Wait = %v, want ErrUnsupportedCodec", err)
	}
}

func TestDecodePipelineStop(t *testing.T) {
	f := newDecoderFixture(t)
	f.openAMVC(t)
	p := newTestPipeline(t, f, blockingSource{}, &pictureSink{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.State() != PipelineStateRunning {
		t.Errorf("State = %v, want running", p.State())
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPipelineRunning) {
		t.Errorf("second Start = %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Failed to stop pipeline: %v", err)
	}
	if p.State() != PipelineStateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.dec.Decode(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("decoder not closed: %v", err)
	}
}

func TestNewDecodePipelineValidation(t *testing.T) {
	f := newDecoderFixture(t)
	if _, err := NewDecodePipeline(DecodePipelineConfig{Decoder: f.dec}); err == nil {
		t.Error("missing source accepted")
	}
	if _, err := NewDecodePipeline(DecodePipelineConfig{Source: blockingSource{}}); err == nil {
		t.Error("missing decoder accepted")
	}

	p, err := NewDecodePipeline(DecodePipelineConfig{Source: blockingSource{}, Decoder: f.dec})
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != PipelineStateIdle || p.State().String() != "idle" {
		t.Errorf("State = %v", p.State())
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}
