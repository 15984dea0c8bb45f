// Package dialogue provides turn generator implementations: an HTTP
// chat-completions client for production and a scripted generator that walks
// the question list verbatim.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Turn is one generated interviewer contribution.
type Turn struct {
	Utterance      string
	EndOfInterview bool
}

// endMarker is the reserved token the model emits to signal the interview
// should end after the accompanying utterance.
const endMarker = "<end_of_interview>"

const systemPromptTemplate = `You are a friendly, professional interviewer conducting a short spoken interview.
Work through these questions in order, one at a time:
%s
Keep every reply to one or two short spoken sentences. Acknowledge what the
respondent said before moving on. Never use markdown or lists. When all
questions are covered, thank the respondent, say goodbye, and append the
exact token %s to your final reply.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Client generates interviewer turns from an OpenAI-compatible
// chat-completions endpoint. It keeps per-session conversation history;
// history is only committed after a successful call, so a single silent
// retry cannot duplicate turns.
type Client struct {
	HTTPClient *http.Client
	URL        string
	APIKey     string
	Model      string

	mu        sync.Mutex
	histories map[string][]chatMessage
}

// NewClient builds a generator client.
func NewClient(url, apiKey, model string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		URL:        url,
		APIKey:     apiKey,
		Model:      model,
		histories:  make(map[string][]chatMessage),
	}
}

// StartTurn produces the opening utterance for a session.
func (c *Client) StartTurn(ctx context.Context, sessionID string, questions []string) (Turn, error) {
	var sb strings.Builder
	for i, q := range questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	system := fmt.Sprintf(systemPromptTemplate, sb.String(), endMarker)
	msgs := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: "The respondent has joined. Greet them briefly and ask the first question."},
	}

	reply, err := c.complete(ctx, msgs)
	if err != nil {
		return Turn{}, err
	}
	turn := parseTurn(reply)

	c.mu.Lock()
	c.histories[sessionID] = append(msgs, chatMessage{Role: "assistant", Content: reply})
	c.mu.Unlock()
	return turn, nil
}

// NextTurn produces the next utterance given the respondent's last answer
// and the session's local bookkeeping.
func (c *Client) NextTurn(ctx context.Context, sessionID, respondent string, turnCount int, elapsed time.Duration) (Turn, error) {
	c.mu.Lock()
	history := c.histories[sessionID]
	c.mu.Unlock()
	if len(history) == 0 {
		return Turn{}, fmt.Errorf("dialogue: unknown session %s", sessionID)
	}

	content := respondent
	if strings.TrimSpace(content) == "" {
		content = "(the respondent said nothing audible)"
	}
	content += fmt.Sprintf("\n\n[turn %d, %d seconds elapsed]", turnCount, int(elapsed.Seconds()))
	msgs := append(append([]chatMessage(nil), history...), chatMessage{Role: "user", Content: content})

	reply, err := c.complete(ctx, msgs)
	if err != nil {
		return Turn{}, err
	}
	turn := parseTurn(reply)

	c.mu.Lock()
	c.histories[sessionID] = append(msgs, chatMessage{Role: "assistant", Content: reply})
	c.mu.Unlock()
	return turn, nil
}

// Forget drops a session's history.
func (c *Client) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.histories, sessionID)
	c.mu.Unlock()
}

func (c *Client) complete(ctx context.Context, msgs []chatMessage) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("dialogue: api key missing")
	}
	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: msgs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("dialogue: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("dialogue: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// parseTurn strips the end marker and derives the end flag.
func parseTurn(reply string) Turn {
	end := strings.Contains(reply, endMarker)
	utterance := strings.TrimSpace(strings.ReplaceAll(reply, endMarker, ""))
	return Turn{Utterance: utterance, EndOfInterview: end}
}
