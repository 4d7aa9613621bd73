package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/audio"
)

const (
	defaultBatchWindow    = 100 * time.Millisecond
	defaultSilenceTimeout = time.Second
	defaultQueueSize      = 64
	defaultMaxCaptures    = 16
)

// FrameDecoder is the per-source decode contract. The default
// implementation is audio.Decoder; connectors accept an override for
// alternate codecs and deterministic test fakes.
type FrameDecoder interface {
	Decode(frame []byte) ([]int16, error)
	SampleRate() int
	Channels() int
}

type pipelineConfig struct {
	stt            STTProvider
	log            *zap.Logger
	batchWindow    time.Duration
	queueSize      int
	silenceTimeout time.Duration
	maxCaptures    int
	newDecoder     func() (FrameDecoder, error)
	stats          *statsCounters
	onChunk        func(TranscriptionChunk)
	onCaptureEnd   func(sourceID string)
}

// pipeline owns the capture side of one connection: per-source decode
// loops batching frames into AudioPackets, a single bounded queue, and one
// drain goroutine feeding packets to per-source STT streams in FIFO order.
// A pipeline is one-shot: built on connect, stopped on disconnect.
type pipeline struct {
	cfg   pipelineConfig
	log   *zap.Logger
	queue chan AudioPacket

	mu       sync.Mutex
	captures map[string]*capture
	streams  map[string]STTStream
	running  bool

	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type capture struct {
	sourceID string
	dec      FrameDecoder
	stream   FrameStream
	cancel   context.CancelFunc
}

func newPipeline(cfg pipelineConfig) *pipeline {
	if cfg.batchWindow <= 0 {
		cfg.batchWindow = defaultBatchWindow
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}
	if cfg.silenceTimeout <= 0 {
		cfg.silenceTimeout = defaultSilenceTimeout
	}
	if cfg.maxCaptures <= 0 {
		cfg.maxCaptures = defaultMaxCaptures
	}
	if cfg.newDecoder == nil {
		cfg.newDecoder = func() (FrameDecoder, error) {
			return audio.NewDecoder(InputFormat.SampleRate, InputFormat.Channels)
		}
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	return &pipeline{
		cfg:      cfg,
		log:      cfg.log,
		queue:    make(chan AudioPacket, cfg.queueSize),
		captures: make(map[string]*capture),
		streams:  make(map[string]STTStream),
	}
}

func (p *pipeline) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	p.wg.Add(1)
	go p.drainLoop()
}

// startCapture opens a decode loop for sourceID. It reports whether a new
// capture was started: duplicates are idempotent and the capture ceiling
// drops the speaker (logged, never an error to the caller).
func (p *pipeline) startCapture(sourceID string, subscribe func(string) (FrameStream, error)) (bool, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false, ErrNotConnected
	}
	if _, ok := p.captures[sourceID]; ok {
		p.mu.Unlock()
		return false, nil
	}
	if len(p.captures) >= p.cfg.maxCaptures {
		p.mu.Unlock()
		p.log.Warn("participant ceiling reached, ignoring speaker",
			zap.String("source_id", sourceID),
			zap.Int("max_participants", p.cfg.maxCaptures))
		return false, nil
	}
	// Reserve the slot before the blocking calls below so a racing
	// duplicate start cannot double-subscribe.
	c := &capture{sourceID: sourceID}
	p.captures[sourceID] = c
	p.mu.Unlock()

	dec, err := p.cfg.newDecoder()
	if err != nil {
		p.removeCapture(sourceID, c)
		return false, err
	}
	stream, err := subscribe(sourceID)
	if err != nil {
		p.removeCapture(sourceID, c)
		return false, err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	c.dec = dec
	c.stream = stream
	c.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.captureLoop(ctx, c)
	return true, nil
}

func (p *pipeline) stopCapture(sourceID string) {
	p.mu.Lock()
	c, ok := p.captures[sourceID]
	if ok {
		delete(p.captures, sourceID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}
}

func (p *pipeline) removeCapture(sourceID string, c *capture) {
	p.mu.Lock()
	if cur, ok := p.captures[sourceID]; ok && cur == c {
		delete(p.captures, sourceID)
	}
	p.mu.Unlock()
}

func (p *pipeline) activeCaptures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captures)
}

func (p *pipeline) droppedPackets() uint64 { return p.dropped.Load() }

// captureLoop buffers frames and flushes one AudioPacket per batch window.
// The capture self-closes after silenceTimeout without a frame.
func (p *pipeline) captureLoop(ctx context.Context, c *capture) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.batchWindow)
	defer ticker.Stop()
	silence := time.NewTimer(p.cfg.silenceTimeout)
	defer silence.Stop()

	var pending [][]byte
	var firstAt time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		var samples []int16
		for _, frame := range pending {
			pcm, err := c.dec.Decode(frame)
			if err != nil {
				// Per-frame failures never abort the stream.
				p.log.Warn("dropping undecodable frame",
					zap.String("source_id", c.sourceID), zap.Error(err))
				continue
			}
			samples = append(samples, pcm...)
		}
		pending = pending[:0]
		capturedAt := firstAt
		firstAt = time.Time{}
		if len(samples) == 0 {
			return
		}
		if c.dec.Channels() == 2 {
			samples = audio.StereoToMono(samples)
		}
		pkt := AudioPacket{
			SourceID:   c.sourceID,
			PCM:        samples,
			SampleRate: c.dec.SampleRate(),
			Channels:   1,
			CapturedAt: capturedAt,
		}
		select {
		case p.queue <- pkt:
		default:
			p.dropped.Add(1)
			p.log.Warn("transcription queue full, dropping packet",
				zap.String("source_id", c.sourceID))
		}
	}

	end := func() {
		flush()
		p.removeCapture(c.sourceID, c)
		_ = c.stream.Close()
		if p.cfg.onCaptureEnd != nil {
			p.cfg.onCaptureEnd(c.sourceID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.stream.Frames():
			if !ok {
				end()
				return
			}
			if len(f.Opus) == 0 {
				continue
			}
			if firstAt.IsZero() {
				firstAt = f.ReceivedAt
			}
			pending = append(pending, f.Opus)
			if p.cfg.stats != nil {
				p.cfg.stats.addIn(len(f.Opus))
			}
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(p.cfg.silenceTimeout)
		case <-ticker.C:
			flush()
		case <-silence.C:
			end()
			return
		}
	}
}

// drainLoop is the queue's single consumer: packets leave in arrival order
// and every send error is absorbed locally.
func (p *pipeline) drainLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt := <-p.queue:
			st, err := p.streamFor(pkt.SourceID)
			if err != nil {
				p.log.Warn("stt stream start failed, dropping packet",
					zap.String("source_id", pkt.SourceID), zap.Error(err))
				continue
			}
			if err := st.SendAudio(p.ctx, pkt); err != nil {
				p.log.Warn("stt send failed, resetting stream",
					zap.String("source_id", pkt.SourceID), zap.Error(err))
				p.dropStream(pkt.SourceID, st)
			}
		}
	}
}

func (p *pipeline) streamFor(sourceID string) (STTStream, error) {
	p.mu.Lock()
	if st, ok := p.streams[sourceID]; ok {
		p.mu.Unlock()
		return st, nil
	}
	p.mu.Unlock()

	st, events, err := p.cfg.stt.StartStream(p.ctx, sourceID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.streams[sourceID]; ok {
		p.mu.Unlock()
		_ = st.Close()
		return existing, nil
	}
	p.streams[sourceID] = st
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for chunk := range events {
			if p.cfg.onChunk != nil {
				p.cfg.onChunk(chunk)
			}
		}
	}()
	return st, nil
}

func (p *pipeline) dropStream(sourceID string, st STTStream) {
	p.mu.Lock()
	if cur, ok := p.streams[sourceID]; ok && cur == st {
		delete(p.streams, sourceID)
	}
	p.mu.Unlock()
	_ = st.Close()
}

// stop tears down every capture and STT stream and waits for all pipeline
// goroutines to exit. Idempotent.
func (p *pipeline) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	captures := make([]*capture, 0, len(p.captures))
	for _, c := range p.captures {
		captures = append(captures, c)
	}
	p.captures = make(map[string]*capture)
	p.mu.Unlock()

	p.cancel()
	for _, c := range captures {
		if c.cancel != nil {
			c.cancel()
		}
		if c.stream != nil {
			_ = c.stream.Close()
		}
	}

	p.mu.Lock()
	streams := make([]STTStream, 0, len(p.streams))
	for _, st := range p.streams {
		streams = append(streams, st)
	}
	p.streams = make(map[string]STTStream)
	p.mu.Unlock()
	for _, st := range streams {
		_ = st.Close()
	}

	p.wg.Wait()
}
