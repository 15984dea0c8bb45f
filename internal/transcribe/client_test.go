package transcribe

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{0, 2 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.attempt); got != c.want {
			t.Errorf("backoffFor(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func resultsJSON(final bool, transcript string) []byte {
	isFinal := "false"
	if final {
		isFinal = "true"
	}
	return []byte(`{"type":"Results","is_final":` + isFinal +
		`,"channel":{"alternatives":[{"transcript":"` + transcript + `","confidence":0.93}]}}`)
}

func TestProcessMessageClassification(t *testing.T) {
	var results []Result
	c := NewClient(Config{StreamURL: "wss://example.test/listen"}, nil,
		func(r Result) { results = append(results, r) }, nil)

	c.processMessage(resultsJSON(false, "hel"))
	c.processMessage(resultsJSON(false, "hello th"))
	if got := c.Interim(); got != "hello th" {
		t.Fatalf("interim = %q, want latest partial", got)
	}
	if got := c.Final(); got != "" {
		t.Fatalf("final = %q before any final event", got)
	}

	c.processMessage(resultsJSON(true, "hello there"))
	if got := c.Interim(); got != "" {
		t.Fatalf("interim = %q after final event, want empty", got)
	}
	if got := c.Final(); got != "hello there" {
		t.Fatalf("final = %q", got)
	}

	c.processMessage(resultsJSON(false, "how ar"))
	if got := c.Combined(); got != "hello there how ar" {
		t.Fatalf("combined = %q", got)
	}
	c.processMessage(resultsJSON(true, "how are you"))
	if got := c.Final(); got != "hello there how are you" {
		t.Fatalf("cumulative final = %q", got)
	}

	if len(results) != 5 {
		t.Fatalf("results delivered = %d, want 5", len(results))
	}
	if !results[2].Final || results[2].Text != "hello there" {
		t.Fatalf("final result misclassified: %+v", results[2])
	}
}

func TestProcessMessageIgnoresOtherTypes(t *testing.T) {
	var results []Result
	c := NewClient(Config{}, nil, func(r Result) { results = append(results, r) }, nil)

	c.processMessage([]byte(`{"type":"Metadata","request_id":"abc"}`))
	c.processMessage([]byte(`not json at all`))
	c.processMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`))

	if len(results) != 1 {
		t.Fatalf("results = %d, want only the empty-alternatives final", len(results))
	}
	if results[0].Text != "" {
		t.Fatalf("text = %q, want empty", results[0].Text)
	}
}

func TestResetClearsTextOnly(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	c.processMessage(resultsJSON(true, "previous turn"))
	c.processMessage(resultsJSON(false, "trailing"))

	c.Reset()
	if c.Final() != "" || c.Interim() != "" || c.Combined() != "" {
		t.Fatal("Reset left text behind")
	}

	// New events accumulate from scratch.
	c.processMessage(resultsJSON(true, "next turn"))
	if got := c.Final(); got != "next turn" {
		t.Fatalf("final after reset = %q", got)
	}
}

func TestSendAudioDroppedWhenNotOpen(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	// Never connected: chunks must be dropped silently, no panic, no queue.
	c.SendAudio([]byte{1, 2, 3, 4})
	c.SendAudio([]byte{5, 6, 7, 8})

	c.Disconnect()
	c.SendAudio([]byte{9, 10})

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.audioCh != nil && len(c.audioCh) != 0 {
		t.Fatalf("audio queued while not open: %d chunks", len(c.audioCh))
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	c.Disconnect()
	c.Disconnect()
	if c.Attempts() != 0 {
		t.Fatalf("attempts = %d, want 0", c.Attempts())
	}
}

func TestJoinText(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"", "", ""},
		{"left", "", "left"},
		{"", "right", "right"},
		{"left", "right", "left right"},
	}
	for _, c := range cases {
		if got := joinText(c.a, c.b); got != c.want {
			t.Errorf("joinText(%q, %q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}
