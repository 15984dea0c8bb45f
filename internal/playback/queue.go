// Package playback plays synthesized speech buffers strictly in submission
// order through a single shared sink.
package playback

import (
	"log"
	"sync"
	"time"
)

// SampleRate is the playback rate for all sinks, mono linear16.
const SampleRate = 48000

// Sink consumes decoded 48kHz PCM and performs delivery (local speakers,
// Opus encode to a WebRTC track). Implementations buffer internally.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pads and delivers any residual buffered audio.
	FlushTail()
	// Reset drops queued audio immediately (used for hard cancellation).
	Reset()
	Close()
}

// Queue is a FIFO of opaque audio buffers played one at a time. The sink is
// created once, lazily, on first playback. A decode failure for one item is
// logged and skipped without aborting the rest of the queue. Stop cancels
// in-flight playback and clears the queue; a generation counter keeps a
// racing drain loop from resuming residual items after a stop.
type Queue struct {
	newSink   func() (Sink, error)
	onDrained func()
	onSkip    func()

	mu        sync.Mutex
	sink      Sink
	items     [][]byte
	playing   bool
	gen       uint64
	interrupt chan struct{}
}

// NewQueue builds a queue. newSink is invoked lazily on the first Play;
// onDrained fires each time the queue runs dry after playing at least one
// item; onSkip (optional) is invoked per decode failure.
func NewQueue(newSink func() (Sink, error), onDrained func(), onSkip func()) *Queue {
	return &Queue{
		newSink:   newSink,
		onDrained: onDrained,
		onSkip:    onSkip,
		interrupt: make(chan struct{}),
	}
}

// Play enqueues one opaque audio buffer. If nothing is currently playing,
// draining begins immediately.
func (q *Queue) Play(item []byte) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.playing {
		q.mu.Unlock()
		return
	}
	q.playing = true
	gen := q.gen
	q.mu.Unlock()

	go q.drain(gen)
}

// Stop cancels any in-flight playback, clears the queue, and resets the
// sink. Safe to call from any state, any number of times.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.gen++
	q.items = nil
	q.playing = false
	close(q.interrupt)
	q.interrupt = make(chan struct{})
	sink := q.sink
	q.mu.Unlock()

	if sink != nil {
		sink.Reset()
	}
}

// Close stops playback and releases the sink.
func (q *Queue) Close() {
	q.Stop()
	q.mu.Lock()
	sink := q.sink
	q.sink = nil
	q.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
}

// Pending reports queued item count, excluding the one being played.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) drain(gen uint64) {
	for {
		q.mu.Lock()
		if gen != q.gen {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.playing = false
			q.mu.Unlock()
			if sink := q.currentSink(); sink != nil {
				sink.FlushTail()
			}
			if q.onDrained != nil {
				q.onDrained()
			}
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		interrupt := q.interrupt
		q.mu.Unlock()

		pcm, err := decodeItem(item)
		if err != nil {
			log.Printf("playback: skipping undecodable item: %v", err)
			if q.onSkip != nil {
				q.onSkip()
			}
			continue
		}
		if len(pcm) == 0 {
			continue
		}

		sink, err := q.ensureSink()
		if err != nil {
			log.Printf("playback: sink unavailable, dropping item: %v", err)
			if q.onSkip != nil {
				q.onSkip()
			}
			continue
		}

		sink.WritePCM(pcm)

		// Sinks buffer and pace internally; holding here for the nominal
		// item duration keeps the queue strictly one-at-a-time and lets the
		// drained callback mean "audio actually finished".
		wait := time.Duration(len(pcm)) * time.Second / (SampleRate * 2)
		select {
		case <-interrupt:
			return
		case <-time.After(wait):
		}
	}
}

// ensureSink lazily creates the shared sink exactly once.
func (q *Queue) ensureSink() (Sink, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sink != nil {
		return q.sink, nil
	}
	sink, err := q.newSink()
	if err != nil {
		return nil, err
	}
	q.sink = sink
	return sink, nil
}

func (q *Queue) currentSink() Sink {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sink
}
