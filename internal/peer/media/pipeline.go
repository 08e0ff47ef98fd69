package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// ErrMediaUnavailable reports that the capture device could not be
// acquired. It surfaces to the caller of JoinVoice; negotiation state is
// untouched.
var ErrMediaUnavailable = errors.New("media capture unavailable")

// Capture is a live local audio source: exactly one outbound track plus
// a meter stream of levels in [0,100].
type Capture interface {
	Track() webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	// Levels emits the measured input level, clamped to [0,100]. The
	// channel closes when the capture is closed.
	Levels() <-chan int
	Close()
}

// Pipeline acquires captures. The real device pipeline lives outside
// this module; TonePipeline below is the built-in stand-in.
type Pipeline interface {
	StartCapture(ctx context.Context) (Capture, error)
}

const (
	sampleInterval = 20 * time.Millisecond
	levelInterval  = 200 * time.Millisecond
)

// opusSilence is a single silent Opus frame.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// TonePipeline produces a synthetic Opus track that carries silence.
// It lets the full negotiation path run without a sound device.
type TonePipeline struct{}

func NewTonePipeline() *TonePipeline { return &TonePipeline{} }

func (p *TonePipeline) StartCapture(ctx context.Context) (Capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "huddle",
	)
	if err != nil {
		return nil, ErrMediaUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &toneCapture{
		track:  track,
		levels: make(chan int, 8),
		cancel: cancel,
	}
	go c.run(ctx)
	return c, nil
}

type toneCapture struct {
	track  *webrtc.TrackLocalStaticSample
	levels chan int
	cancel context.CancelFunc

	mu    sync.Mutex
	muted bool
	done  bool
}

func (c *toneCapture) Track() webrtc.TrackLocal { return c.track }

func (c *toneCapture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *toneCapture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *toneCapture) Levels() <-chan int { return c.levels }

func (c *toneCapture) Close() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()
	c.cancel()
}

func (c *toneCapture) run(ctx context.Context) {
	defer close(c.levels)
	sample := time.NewTicker(sampleInterval)
	meter := time.NewTicker(levelInterval)
	defer sample.Stop()
	defer meter.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			err := c.track.WriteSample(media.Sample{
				Data:     opusSilence,
				Duration: sampleInterval,
			})
			if err != nil {
				log.Debug().Err(err).Str("module", "peer.media").Msg("sample write")
			}
		case <-meter.C:
			// Silence meters at zero; a real device pipeline reports
			// measured input here.
			select {
			case c.levels <- 0:
			default:
			}
		}
	}
}
