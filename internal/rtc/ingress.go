package rtc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/capture"
)

// Ingress adapts a remote WebRTC Opus track into the engine's capture
// pipeline contract: Open waits for the respondent's microphone track (the
// browser has already applied echo cancellation and noise suppression via
// its capture constraints), Start opens a chunk window, Stop closes it
// idempotently. One persistent reader drains RTP for the lifetime of the
// track; packets outside an active window are discarded.
type Ingress struct {
	mu      sync.Mutex
	track   *webrtc.TrackRemote
	trackCh chan struct{}
	dec     *opus.Decoder

	active  bool
	onChunk func([]byte)
	pending []byte

	opened bool
	closed bool
}

// NewIngress returns an ingress awaiting its remote track.
func NewIngress() *Ingress {
	return &Ingress{trackCh: make(chan struct{})}
}

// attachTrack is invoked from the peer's OnTrack callback, once.
func (in *Ingress) attachTrack(track *webrtc.TrackRemote) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.track != nil {
		return
	}
	in.track = track
	close(in.trackCh)
}

// Open blocks until the respondent's audio track has arrived. Failure here
// means the respondent never granted their microphone.
func (in *Ingress) Open(ctx context.Context) error {
	in.mu.Lock()
	if in.opened {
		in.mu.Unlock()
		return nil
	}
	in.mu.Unlock()

	select {
	case <-in.trackCh:
	case <-ctx.Done():
		return fmt.Errorf("rtc: no respondent audio track: %w", ctx.Err())
	case <-time.After(20 * time.Second):
		return fmt.Errorf("rtc: timed out waiting for respondent audio track")
	}

	dec, err := opus.NewDecoder(capture.SampleRate, 1)
	if err != nil {
		return fmt.Errorf("rtc: opus decoder: %w", err)
	}

	in.mu.Lock()
	in.dec = dec
	in.opened = true
	track := in.track
	in.mu.Unlock()

	go in.readLoop(track)
	return nil
}

// Start opens a capture window delivering ~250ms PCM chunks.
func (in *Ingress) Start(onChunk func([]byte)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.opened {
		return capture.ErrNotOpen
	}
	if in.active {
		return capture.ErrAlreadyCapturing
	}
	in.active = true
	in.onChunk = onChunk
	in.pending = nil
	return nil
}

// Stop closes the window. Idempotent; the RTP reader keeps draining.
func (in *Ingress) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.active {
		return
	}
	in.active = false
	in.onChunk = nil
	in.pending = nil
}

// Close permanently stops chunk delivery. The reader exits when the peer
// connection closes the track.
func (in *Ingress) Close() {
	in.Stop()
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}

func (in *Ingress) readLoop(track *webrtc.TrackRemote) {
	pcm := make([]int16, 1920)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Printf("rtc: rtp read ended: %v", err)
			return
		}
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return
		}
		if !in.active || len(pkt.Payload) == 0 {
			in.mu.Unlock()
			continue
		}
		n, err := in.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			in.mu.Unlock()
			log.Printf("rtc: opus decode: %v", err)
			continue
		}
		buf := make([]byte, n*2)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:(i+1)*2], uint16(pcm[i]))
		}
		in.pending = append(in.pending, buf...)
		var chunks [][]byte
		for len(in.pending) >= capture.ChunkBytes {
			chunk := make([]byte, capture.ChunkBytes)
			copy(chunk, in.pending[:capture.ChunkBytes])
			in.pending = in.pending[capture.ChunkBytes:]
			chunks = append(chunks, chunk)
		}
		onChunk := in.onChunk
		in.mu.Unlock()

		for _, chunk := range chunks {
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}
}
