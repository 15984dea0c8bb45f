package dialogue

import (
	"context"
	"sync"
	"time"
)

// Scripted walks the fixed question list verbatim, one question per turn,
// and signals end-of-interview after the last question is answered. It is
// selected by explicit configuration and doubles as the deterministic
// implementation used in tests.
type Scripted struct {
	mu        sync.Mutex
	questions map[string][]string
	next      map[string]int
}

// NewScripted builds a scripted generator.
func NewScripted() *Scripted {
	return &Scripted{
		questions: make(map[string][]string),
		next:      make(map[string]int),
	}
}

// StartTurn greets the respondent and asks the first question.
func (s *Scripted) StartTurn(_ context.Context, sessionID string, questions []string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[sessionID] = questions
	if len(questions) == 0 {
		return Turn{Utterance: "Thanks for joining. That is everything I had, goodbye.", EndOfInterview: true}, nil
	}
	s.next[sessionID] = 1
	return Turn{Utterance: "Hi, thanks for taking the time today. " + questions[0]}, nil
}

// NextTurn acknowledges the answer and asks the next question, or closes
// the interview when the list is exhausted.
func (s *Scripted) NextTurn(_ context.Context, sessionID, _ string, _ int, _ time.Duration) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	questions := s.questions[sessionID]
	i := s.next[sessionID]
	if i >= len(questions) {
		return Turn{Utterance: "That covers everything I wanted to ask. Thanks so much for your time, goodbye.", EndOfInterview: true}, nil
	}
	s.next[sessionID] = i + 1
	return Turn{Utterance: "Got it, thank you. " + questions[i]}, nil
}

// Forget drops a session's cursor.
func (s *Scripted) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.questions, sessionID)
	delete(s.next, sessionID)
	s.mu.Unlock()
}
