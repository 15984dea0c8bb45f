package playback

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// PulseSink plays 48kHz mono linear16 through the local PulseAudio server.
// The playback stream pulls from an internal buffer; underflow yields
// silence so the stream never stalls between utterances.
type PulseSink struct {
	client *pulse.Client
	stream *pulse.PlaybackStream

	mu  sync.Mutex
	buf []byte
}

// NewPulseSink connects to the sound server and starts the playback stream.
func NewPulseSink() (*PulseSink, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("voicescope"),
		pulse.ClientApplicationIconName("audio-speakers"),
	)
	if err != nil {
		return nil, fmt.Errorf("playback: connect sound server: %w", err)
	}

	s := &PulseSink{client: client}
	stream, err := client.NewPlayback(
		pulse.NewReader(readerFunc(s.read), pulseproto.FormatInt16LE),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(SampleRate),
		pulse.PlaybackMediaName("voicescope interviewer"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("playback: create playback stream: %w", err)
	}
	s.stream = stream
	stream.Start()
	return s, nil
}

// WritePCM buffers PCM for the pull-based stream.
func (s *PulseSink) WritePCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
}

// FlushTail appends a short silence tail so the stream does not clip the
// final samples of an utterance.
func (s *PulseSink) FlushTail() {
	tail := make([]byte, SampleRate/10*2) // 100ms
	s.mu.Lock()
	s.buf = append(s.buf, tail...)
	s.mu.Unlock()
}

// Reset drops all buffered audio immediately.
func (s *PulseSink) Reset() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// Close stops the stream and disconnects from the server.
func (s *PulseSink) Close() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// read feeds the playback stream, substituting silence on underflow.
func (s *PulseSink) read(p []byte) (int, error) {
	s.mu.Lock()
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.mu.Unlock()
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

// readerFunc adapts a function to io.Reader for pulse.NewReader.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
