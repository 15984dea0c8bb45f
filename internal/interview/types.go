package interview

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/dialogue"
)

// Phase is the orchestrator's conversational state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseInterviewing Phase = "interviewing"
	PhaseProcessing   Phase = "processing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseError }

// ValidTransition reports whether from->to is an allowed phase change.
// Error is reachable from any non-terminal phase; an external stop request
// reaches completed from any non-terminal phase.
func ValidTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseError || to == PhaseCompleted {
		return true
	}
	switch from {
	case PhaseIdle:
		return to == PhaseConnecting
	case PhaseConnecting:
		return to == PhaseInterviewing
	case PhaseInterviewing:
		return to == PhaseProcessing
	case PhaseProcessing:
		return to == PhaseInterviewing
	default:
		return false
	}
}

// Speaker identifies one party of the conversation.
type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerRespondent  Speaker = "respondent"
)

// Utterance is one spoken contribution. Immutable once appended.
type Utterance struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Session identifies one interview instance. The question list is fixed for
// the session's lifetime.
type Session struct {
	ID        string
	Budget    time.Duration
	MaxTurns  int
	Questions []string
	StartedAt time.Time
}

// NewSession derives a session from the configured questions and budget.
// The default turn ceiling is questions*3+2, a safety net against a
// generator that never signals end-of-interview.
func NewSession(questions []string, budget time.Duration, maxTurns int) *Session {
	if budget <= 0 {
		budget = 300 * time.Second
	}
	if maxTurns <= 0 {
		maxTurns = len(questions)*3 + 2
	}
	return &Session{
		ID:        uuid.NewString(),
		Budget:    budget,
		MaxTurns:  maxTurns,
		Questions: questions,
		StartedAt: time.Now(),
	}
}

// State is a point-in-time snapshot of the engine, safe for observers.
type State struct {
	SessionID           string      `json:"session_id"`
	Phase               Phase       `json:"phase"`
	Transcript          []Utterance `json:"transcript"`
	InterimText         string      `json:"interim_text,omitempty"`
	ElapsedSeconds      int         `json:"elapsed_seconds"`
	TurnCount           int         `json:"turn_count"`
	InterviewerSpeaking bool        `json:"interviewer_speaking"`
	RespondentSpeaking  bool        `json:"respondent_speaking"`
	Error               string      `json:"error,omitempty"`
}

// Generator produces interviewer turns. Implementations must be
// idempotent-safe to a single silent retry.
type Generator interface {
	StartTurn(ctx context.Context, sessionID string, questions []string) (dialogue.Turn, error)
	NextTurn(ctx context.Context, sessionID, respondent string, turnCount int, elapsed time.Duration) (dialogue.Turn, error)
}

// Synthesizer converts one utterance of text into an opaque audio buffer.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcriber is the streaming transcription client contract the engine
// drives once per listening window.
type Transcriber interface {
	Connect(ctx context.Context) error
	SendAudio(chunk []byte)
	Disconnect()
	Reset()
	Interim() string
	Combined() string
}

// CapturePipeline owns the respondent audio source.
type CapturePipeline interface {
	Open(ctx context.Context) error
	Start(onChunk func([]byte)) error
	Stop()
	Close()
}

// Player is the ordered speech playback queue.
type Player interface {
	Play(item []byte)
	Stop()
	Close()
}
