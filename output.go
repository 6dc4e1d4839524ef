package mvc

import (
	"go.uber.org/multierr"
)

// GetPicture returns the next synchronized stereo pair, or false when none
// is ready. The picture's surfaces stay out of the pool until
// ReleasePicture.
func (d *Decoder) GetPicture() (*Picture, bool) {
	for {
		d.mu.Lock()
		if len(d.renderQ) == 0 {
			d.mu.Unlock()
			return nil, false
		}
		e := d.renderQ[0]
		d.renderQ[0] = renderEntry{}
		d.renderQ = d.renderQ[1:]
		stereo := d.stereo
		d.mu.Unlock()

		pic, err := d.picture(e, stereo)
		if err != nil {
			d.log.Errorf("expose picture: %v", err)
			e.pool.Release(e.base)
			e.pool.Release(e.ext)
			continue
		}
		d.count(func(s *DecoderStats) { s.Pictures++ })
		return pic, true
	}
}

func (d *Decoder) picture(e renderEntry, stereo StereoLayout) (*Picture, error) {
	if _, err := e.pool.MarkRendered(e.base); err != nil {
		return nil, err
	}
	if _, err := e.pool.MarkRendered(e.ext); err != nil {
		return nil, err
	}

	info := e.base.Info()
	frame := e.base.Frame()
	width, height, aspect := displayGeometry(info)

	pic := &Picture{
		Width:         info.Width,
		Height:        info.Height,
		DisplayWidth:  width,
		DisplayHeight: height,
		Aspect:        aspect,
		StereoMode:    stereo.String(),
		PTS:           presentationTime(frame),
		FrameOrder:    frame.FrameOrder,
		Format:        info.Format,
		Memory:        e.pool.Memory(),
		pool:          e.pool,
		base:          e.base.Ref(),
		ext:           e.ext.Ref(),
	}
	pic.Base = surfaceView(e.pool, e.base)
	pic.Extended = surfaceView(e.pool, e.ext)
	return pic, nil
}

func surfaceView(p *Pool, s *Surface) SurfaceView {
	planes, native := p.exposure(s)
	return SurfaceView{Handle: s.Handle(), Planes: planes, Native: native}
}

// ReleasePicture withdraws the consumer mappings of pic and returns both
// surfaces to the pool. Releasing the same picture twice returns
// ErrStalePicture.
func (d *Decoder) ReleasePicture(pic *Picture) error {
	if pic == nil || pic.pool == nil {
		return nil
	}
	err := multierr.Combine(
		pic.pool.ReleaseRef(pic.base),
		pic.pool.ReleaseRef(pic.ext),
	)
	if err != nil {
		return err
	}
	pic.Base, pic.Extended = SurfaceView{}, SurfaceView{}
	d.count(func(s *DecoderStats) { s.Released++ })
	return nil
}
