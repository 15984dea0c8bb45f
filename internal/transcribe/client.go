// Package transcribe maintains the duplex connection to the streaming
// speech-to-text service.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnection policy for abnormal closures.
const (
	MaxReconnects = 3
	BackoffBase   = 2 * time.Second
	BackoffCap    = 8 * time.Second
)

// Result is one classified transcription event.
type Result struct {
	Final bool
	Text  string
}

// resultsMessage is the wire shape of a transcription event: tagged
// type="Results" with a ranked list of alternatives.
type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// closeStreamMessage is the explicit end-of-stream control message sent on
// deliberate disconnect.
type closeStreamMessage struct {
	Type string `json:"type"`
}

// Config carries the connection parameters for the transcription service.
type Config struct {
	StreamURL  string
	SampleRate int
	Encoding   string
}

type connPhase int

const (
	phaseIdle connPhase = iota
	phaseOpen
	phaseClosed // deliberate disconnect; suppresses reconnection
)

// Client is the streaming transcription client. It owns the reconnection
// policy (explicit attempt count and backoff, inspectable for tests),
// classifies incoming events into an interim buffer and a cumulative
// finalized buffer, and silently drops audio sent while not open so a
// finished turn's audio cannot leak into the next turn's transcript.
type Client struct {
	cfg      Config
	tokens   *TokenClient
	onResult func(Result)
	onFatal  func(error)
	// onReconnect is invoked once per reconnection attempt; used for metrics.
	onReconnect func()

	mu      sync.RWMutex
	conn    *websocket.Conn
	phase   connPhase
	epoch   int // bumped per connection; stale goroutines check it
	audioCh chan []byte
	stopCh  chan struct{}

	attempts int // reconnection attempts in the current outage

	accMu   sync.Mutex
	final   string
	interim string
}

// NewClient builds a client. onResult receives every classified event;
// onFatal fires once when reconnection is exhausted.
func NewClient(cfg Config, tokens *TokenClient, onResult func(Result), onFatal func(error)) *Client {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &Client{cfg: cfg, tokens: tokens, onResult: onResult, onFatal: onFatal}
}

// SetReconnectHook registers a per-attempt callback.
func (c *Client) SetReconnectHook(fn func()) { c.onReconnect = fn }

// Connect fetches a fresh credential and opens the duplex connection. The
// credential is never cached across attempts. Connect fails the caller if
// credential retrieval fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == phaseOpen {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.phase = phaseOpen
	c.epoch++
	c.attempts = 0
	c.audioCh = make(chan []byte, 64)
	c.stopCh = make(chan struct{})
	epoch := c.epoch
	c.mu.Unlock()

	go c.readLoop(conn, epoch)
	go c.writeLoop(conn, epoch)
	return nil
}

// dial obtains a credential and opens one websocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.Credential(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("encoding", c.cfg.Encoding)
	params.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	wsURL := c.cfg.StreamURL
	if strings.Contains(wsURL, "?") {
		wsURL += "&" + params.Encode()
	} else {
		wsURL += "?" + params.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transcribe: connect failed status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transcribe: connect failed: %w", err)
	}
	return conn, nil
}

// SendAudio queues one audio chunk. Chunks sent while the connection is not
// open are dropped silently: no queuing, no error.
func (c *Client) SendAudio(chunk []byte) {
	c.mu.RLock()
	open := c.phase == phaseOpen
	audioCh := c.audioCh
	c.mu.RUnlock()
	if !open || audioCh == nil {
		return
	}
	select {
	case audioCh <- chunk:
	default:
		log.Println("transcribe: audio buffer full, dropping chunk")
	}
}

// Disconnect sends the end-of-stream control message, closes the
// connection, and suppresses reconnection. Safe to call repeatedly; the
// client may Connect again afterwards for a new listening window.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.phase != phaseOpen {
		c.phase = phaseClosed
		c.mu.Unlock()
		return
	}
	c.phase = phaseClosed
	conn := c.conn
	c.conn = nil
	close(c.stopCh)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(closeStreamMessage{Type: "CloseStream"})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// Reset clears accumulated text state only. It must be called at the start
// of every listening window so finalized text from a previous turn cannot
// bleed into the next.
func (c *Client) Reset() {
	c.accMu.Lock()
	c.final = ""
	c.interim = ""
	c.accMu.Unlock()
}

// Final returns the cumulative finalized text.
func (c *Client) Final() string {
	c.accMu.Lock()
	defer c.accMu.Unlock()
	return c.final
}

// Interim returns the live partial-text buffer.
func (c *Client) Interim() string {
	c.accMu.Lock()
	defer c.accMu.Unlock()
	return c.interim
}

// Combined returns finalized text plus any trailing interim text.
func (c *Client) Combined() string {
	c.accMu.Lock()
	defer c.accMu.Unlock()
	return joinText(c.final, c.interim)
}

// Attempts reports reconnection attempts made for the current outage.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// backoffFor returns the delay before the given 1-based reconnection
// attempt: 2s, 4s, 8s, then capped.
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BackoffBase << (attempt - 1)
	if d > BackoffCap {
		d = BackoffCap
	}
	return d
}

func (c *Client) readLoop(conn *websocket.Conn, epoch int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transcribe: recovered in readLoop: %v", r)
		}
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(err, epoch)
			return
		}
		c.processMessage(message)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, epoch int) {
	c.mu.RLock()
	audioCh := c.audioCh
	stopCh := c.stopCh
	c.mu.RUnlock()
	for {
		select {
		case <-stopCh:
			return
		case chunk := <-audioCh:
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				log.Printf("transcribe: audio write error: %v", err)
				return
			}
		}
	}
}

// processMessage classifies one wire event. Interim text overwrites the
// live partial buffer; final text appends to the finalized buffer and
// clears the partial buffer.
func (c *Client) processMessage(message []byte) {
	var msg resultsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("transcribe: unmarshal event: %v", err)
		return
	}
	if msg.Type != "Results" {
		return
	}
	var text string
	if len(msg.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	}

	c.accMu.Lock()
	if msg.IsFinal {
		c.final = joinText(c.final, text)
		c.interim = ""
	} else {
		c.interim = text
	}
	c.accMu.Unlock()

	if c.onResult != nil {
		c.onResult(Result{Final: msg.IsFinal, Text: text})
	}
}

// handleClosure runs when a connection's read loop exits. Deliberate
// disconnects and normal closes end quietly; abnormal closures trigger
// bounded reconnection, and exhaustion surfaces a terminal error.
func (c *Client) handleClosure(err error, epoch int) {
	c.mu.Lock()
	if c.epoch != epoch || c.phase == phaseClosed {
		c.mu.Unlock()
		return
	}
	c.phase = phaseIdle
	c.conn = nil
	close(c.stopCh)
	c.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	log.Printf("transcribe: abnormal closure: %v", err)
	c.reconnect(epoch)
}

func (c *Client) reconnect(epoch int) {
	for attempt := 1; attempt <= MaxReconnects; attempt++ {
		c.mu.Lock()
		if c.phase == phaseClosed || c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.mu.Unlock()

		time.Sleep(backoffFor(attempt))

		c.mu.Lock()
		if c.phase == phaseClosed || c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if c.onReconnect != nil {
			c.onReconnect()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("transcribe: reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		c.mu.Lock()
		if c.phase == phaseClosed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.phase = phaseOpen
		c.epoch++
		c.audioCh = make(chan []byte, 64)
		c.stopCh = make(chan struct{})
		next := c.epoch
		c.mu.Unlock()

		go c.readLoop(conn, next)
		go c.writeLoop(conn, next)
		log.Printf("transcribe: reconnected after %d attempt(s)", attempt)
		return
	}

	if c.onFatal != nil {
		c.onFatal(fmt.Errorf("transcribe: reconnection exhausted after %d attempts", MaxReconnects))
	}
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
