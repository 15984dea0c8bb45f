package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/playback"
)

// frameSamples is 20ms at the 48kHz playback rate.
const frameSamples = 960

// EgressSink encodes 48kHz mono PCM to Opus and writes 20ms frames paced to
// the outbound WebRTC track. It is the playback sink for remote sessions.
type EgressSink struct {
	enc    *opus.Encoder
	track  *webrtc.TrackLocalStaticSample
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
}

// NewEgressSink builds the sink and starts its pacer.
func NewEgressSink(track *webrtc.TrackLocalStaticSample) (*EgressSink, error) {
	enc, err := opus.NewEncoder(playback.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus encoder: %w", err)
	}
	s := &EgressSink{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go s.pacer()
	return s, nil
}

// WritePCM buffers little-endian 16-bit PCM and emits full Opus frames.
func (s *EgressSink) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	need := len(pcm) / 2
	for i := 0; i < need; i++ {
		s.pcmBuf = append(s.pcmBuf, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}
	s.encodeFullFrames()
}

// FlushTail pads the residual PCM to a full frame and appends a short
// silence tail so the last syllable is not clipped.
func (s *EgressSink) FlushTail() {
	s.mu.Lock()
	if len(s.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, s.pcmBuf)
		s.pcmBuf = s.pcmBuf[:0]
		s.encodeFrame(pad)
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < 5; i++ {
		s.encodeFrame(silence)
	}
	s.mu.Unlock()
}

// Reset drops buffered PCM and all queued frames immediately.
func (s *EgressSink) Reset() {
	s.mu.Lock()
	s.pcmBuf = s.pcmBuf[:0]
	for {
		select {
		case <-s.frames:
		default:
			s.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer.
func (s *EgressSink) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *EgressSink) encodeFullFrames() {
	for len(s.pcmBuf) >= frameSamples {
		s.encodeFrame(s.pcmBuf[:frameSamples])
		copy(s.pcmBuf, s.pcmBuf[frameSamples:])
		s.pcmBuf = s.pcmBuf[:len(s.pcmBuf)-frameSamples]
	}
}

func (s *EgressSink) encodeFrame(frame []int16) {
	opusBuf := make([]byte, 4000)
	n, err := s.enc.Encode(frame, opusBuf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	select {
	case <-s.stopCh:
	case s.frames <- pkt:
	}
}

func (s *EgressSink) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-s.frames:
				_ = s.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}
