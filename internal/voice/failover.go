package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverProviders builds STT/TTS providers that prefer the primary
// backend and switch to the fallback when the primary fails to start a stream
// or synthesize. Once the fallback succeeds it stays active until it fails;
// then the primary is retried.
func NewFailoverProviders(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	fallbackVoice string,
) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:         state,
			primary:       primaryTTS,
			fallback:      fallbackTTS,
			fallbackVoice: strings.TrimSpace(fallbackVoice),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback() {
	s.fallbackActive.Store(true)
}

func (s *failoverState) deactivateFallback() {
	s.fallbackActive.Store(false)
}

func (s *failoverState) isFallbackActive() bool {
	return s.fallbackActive.Load()
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) StartStream(ctx context.Context, sourceID string) (STTStream, <-chan TranscriptionChunk, error) {
	if p.state.isFallbackActive() {
		stream, chunks, fbErr := p.fallback.StartStream(ctx, sourceID)
		if fbErr == nil {
			return stream, chunks, nil
		}
		// Fallback failed after being active; try primary again.
		stream, chunks, prErr := p.primary.StartStream(ctx, sourceID)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, chunks, nil
		}
		return nil, nil, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	stream, chunks, prErr := p.primary.StartStream(ctx, sourceID)
	if prErr == nil {
		return stream, chunks, nil
	}

	stream, chunks, fbErr := p.fallback.StartStream(ctx, sourceID)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, chunks, nil
}

type failoverTTSProvider struct {
	state         *failoverState
	primary       TTSProvider
	fallback      TTSProvider
	fallbackVoice string
}

func (p *failoverTTSProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if p.state.isFallbackActive() {
		pcm, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackOpts(opts))
		if fbErr == nil {
			return pcm, nil
		}
		// Fallback failed after being active; try primary again.
		pcm, prErr := p.primary.Synthesize(ctx, text, opts)
		if prErr == nil {
			p.state.deactivateFallback()
			return pcm, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	pcm, prErr := p.primary.Synthesize(ctx, text, opts)
	if prErr == nil {
		return pcm, nil
	}
	pcm, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackOpts(opts))
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return pcm, nil
}

func (p *failoverTTSProvider) fallbackOpts(opts SynthesizeOptions) SynthesizeOptions {
	if p.fallbackVoice != "" {
		opts.Voice = p.fallbackVoice
	}
	return opts
}
