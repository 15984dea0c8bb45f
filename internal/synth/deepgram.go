// Package synth converts interviewer text to speech via the Deepgram speak
// websocket, returning one linear16 48kHz PCM buffer per utterance.
package synth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// maxInputChars bounds the text sent per request; longer utterances are
// truncated at the last space before the limit.
const maxInputChars = 1900

// DeepgramSynthesizer streams speech from the Deepgram speak websocket and
// collects it into a single buffer. Failures are non-fatal to a session;
// the caller retries once and then proceeds without audio.
type DeepgramSynthesizer struct {
	apiKey     string
	voice      string
	sampleRate int
	encoding   string
}

// NewDeepgramSynthesizer builds a synthesizer for the given voice model.
func NewDeepgramSynthesizer(apiKey, voice string) *DeepgramSynthesizer {
	if voice == "" {
		voice = "aura-2-thalia-en"
	}
	return &DeepgramSynthesizer{apiKey: apiKey, voice: voice, sampleRate: 48000, encoding: "linear16"}
}

// Synthesize converts text to one PCM buffer.
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("synth: api key missing")
	}
	text = strings.TrimSpace(boundInput(text))
	if text == "" {
		return nil, nil
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.voice,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	var (
		mu       sync.Mutex
		audio    []byte
		lastRecv time.Time
	)
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		mu.Lock()
		audio = append(audio, data...)
		lastRecv = time.Now()
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("synth: create ws client: %w", err)
	}
	stopped := false
	stopClient := func() {
		if !stopped {
			stopped = true
			dg.Stop()
		}
	}
	defer stopClient()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("synth: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("synth: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		log.Printf("synth: flush error: %v", err)
	}

	// Collect until the stream goes idle after first audio, or a deadline.
	const idleWindow = 400 * time.Millisecond
	deadline := time.Now().Add(12 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			mu.Lock()
			got := len(audio)
			last := lastRecv
			mu.Unlock()
			if got > 0 && time.Since(last) > idleWindow {
				return audio, nil
			}
			if time.Now().After(deadline) {
				if got == 0 {
					return nil, fmt.Errorf("synth: no audio before deadline")
				}
				return audio, nil
			}
		}
	}
}

// boundInput trims text to maxInputChars on a word boundary.
func boundInput(text string) string {
	if len(text) <= maxInputChars {
		return text
	}
	cut := text[:maxInputChars]
	for i := len(cut) - 1; i > 0; i-- {
		if cut[i] == ' ' {
			return cut[:i]
		}
	}
	return cut
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
