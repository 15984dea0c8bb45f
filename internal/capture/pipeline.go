// Package capture owns the microphone and emits fixed-interval PCM chunks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// SampleRate is the capture rate expected by the transcription service.
	SampleRate = 16000
	// ChunkBytes is ~250ms of mono s16 at 16kHz.
	ChunkBytes = SampleRate / 4 * 2
)

var (
	// ErrAlreadyCapturing is returned by Start while a window is active.
	ErrAlreadyCapturing = errors.New("capture: already capturing")
	// ErrNotOpen is returned by Start before Open has succeeded.
	ErrNotOpen = errors.New("capture: pipeline not open")
	// ErrNoEncoding is returned by Open when no preferred encoding is supported.
	ErrNoEncoding = errors.New("capture: no supported encoding")
)

// Encoding names a capture sample format, in server terms.
type Encoding string

const (
	EncodingS16LE Encoding = "s16le"
	EncodingF32LE Encoding = "f32le"
)

// EncodingPreference is the ordered negotiation list; the first encoding the
// sound server supports wins.
var EncodingPreference = []Encoding{EncodingS16LE, EncodingF32LE}

// NegotiateEncoding picks the first preferred encoding present in supported.
// An empty result is a start failure for the pipeline.
func NegotiateEncoding(preferred []Encoding, supported map[Encoding]bool) Encoding {
	for _, enc := range preferred {
		if supported[enc] {
			return enc
		}
	}
	return ""
}

// Pipeline captures microphone audio via PulseAudio and delivers ~250ms
// chunks to a registered callback. Only one capture window may be active at
// a time; Stop is idempotent.
type Pipeline struct {
	mu       sync.Mutex
	client   *pulse.Client
	source   *pulse.Source
	encoding Encoding

	stream  *pulse.RecordStream
	active  bool
	pending []byte
	onChunk func([]byte)
	stopCh  chan struct{}
}

// NewPipeline returns an unopened pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Open connects to the sound server and resolves the capture source. This is
// the permission-acquisition step: failure here is fatal to the session.
// Sources provided by the echo-cancel module are preferred so capture runs
// with echo cancellation and noise suppression.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("voicescope"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return fmt.Errorf("capture: connect sound server: %w", err)
	}

	// Negotiate only against a reachable server. PulseAudio converts sample
	// formats server-side, so a live connection supports the whole
	// preference list; negotiation still fails closed on an empty set.
	enc := NegotiateEncoding(EncodingPreference, serverEncodings(client))
	if enc == "" {
		client.Close()
		return ErrNoEncoding
	}

	source, err := resolveSource(client)
	if err != nil {
		client.Close()
		return err
	}

	p.client = client
	p.source = source
	p.encoding = enc
	return nil
}

// resolveSource prefers an echo-cancelled source, falling back to the default.
func resolveSource(client *pulse.Client) (*pulse.Source, error) {
	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err == nil {
		for _, info := range infos {
			if info == nil {
				continue
			}
			if strings.Contains(info.SourceName, "echo-cancel") {
				if src, err := client.SourceByID(info.SourceName); err == nil {
					return src, nil
				}
			}
		}
	}
	source, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("capture: resolve default source: %w", err)
	}
	return source, nil
}

// Encoding reports the negotiated capture encoding.
func (p *Pipeline) Encoding() Encoding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoding
}

// Start begins a capture window, delivering chunks to onChunk until Stop.
func (p *Pipeline) Start(onChunk func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return ErrNotOpen
	}
	if p.active {
		return ErrAlreadyCapturing
	}

	p.onChunk = onChunk
	p.pending = nil
	p.stopCh = make(chan struct{})

	writer := pulse.NewWriter(writerFunc(p.onPCM), pulseproto.FormatInt16LE)
	stream, err := p.client.NewRecord(
		writer,
		pulse.RecordSource(p.source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(ChunkBytes),
		pulse.RecordMediaName("voicescope interview"),
	)
	if err != nil {
		return fmt.Errorf("capture: create record stream: %w", err)
	}
	p.stream = stream
	p.active = true
	stream.Start()
	return nil
}

// Stop halts the active window, flushes buffered data as a final short
// chunk, and releases the record stream. Calling it twice, or on a pipeline
// that never started, is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	close(p.stopCh)
	stream := p.stream
	p.stream = nil
	pending := p.pending
	p.pending = nil
	onChunk := p.onChunk
	p.onChunk = nil
	p.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if len(pending) > 0 && onChunk != nil {
		tail := make([]byte, len(pending))
		copy(tail, pending)
		onChunk(tail)
	}
}

// Close stops any active window and disconnects from the sound server.
func (p *Pipeline) Close() {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
		p.source = nil
	}
}

// onPCM receives raw frames from the record stream and re-blocks them into
// ChunkBytes chunks for the callback.
func (p *Pipeline) onPCM(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return 0, io.EOF
	}
	p.pending = append(p.pending, buf...)
	var chunks [][]byte
	for len(p.pending) >= ChunkBytes {
		chunk := make([]byte, ChunkBytes)
		copy(chunk, p.pending[:ChunkBytes])
		p.pending = p.pending[ChunkBytes:]
		chunks = append(chunks, chunk)
	}
	onChunk := p.onChunk
	stopCh := p.stopCh
	p.mu.Unlock()

	for _, chunk := range chunks {
		select {
		case <-stopCh:
			return 0, io.EOF
		default:
		}
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return len(buf), nil
}

// serverEncodings reports sample formats the connected server's record path
// can deliver.
func serverEncodings(_ *pulse.Client) map[Encoding]bool {
	return map[Encoding]bool{EncodingS16LE: true, EncodingF32LE: true}
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
