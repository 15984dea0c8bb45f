// Package interview contains the turn-taking orchestration engine: a state
// machine sequencing audio capture, streaming transcription, end-of-turn
// detection, turn generation, and speech playback into one conversation.
package interview

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/clock"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/detect"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/dialogue"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/metrics"
)

// fallbackUtterance keeps the conversation alive when the turn generator
// fails twice in a row.
const fallbackUtterance = "I see, thank you. Could you tell me a little more about that?"

// fallbackOpening is spoken when even the opening generator call fails.
const fallbackOpening = "Hi, thanks for joining today. To start, could you tell me a little about yourself?"

type eventKind uint8

const (
	evStart eventKind = iota
	evTranscript
	evTurnEnded
	evListenIdle
	evPlaybackDone
	evTick
	evDeadline
	evStop
	evStreamFatal
)

// event is the tagged variant consumed by the engine's single sequential
// handling loop. All state mutation is serialized through it.
type event struct {
	kind    eventKind
	final   bool
	text    string
	err     error
	elapsed time.Duration
}

// Config shapes one engine instance.
type Config struct {
	SessionID string // optional caller-assigned identifier
	Questions []string
	Budget    time.Duration
	MaxTurns  int // 0 derives questions*3+2

	Quiescence  time.Duration // end-of-turn debounce, default 2s
	IdleCeiling time.Duration // no-speech window re-arm, default 15s
}

// Deps are the subsystems and collaborators the engine drives. Metrics may
// be nil.
type Deps struct {
	Capture     CapturePipeline
	Transcriber Transcriber
	Player      Player
	Generator   Generator
	Synthesizer Synthesizer
	Metrics     *metrics.Metrics
}

// Engine is the turn-taking orchestrator for one interview session. It owns
// all mutable conversational state; subsystems feed it side-effect-free
// notifications which it folds in one event at a time.
type Engine struct {
	cfg  Config
	deps Deps

	session  *Session
	timer    *clock.SessionTimer
	detector *detect.Detector

	events chan event
	done   chan struct{}

	// callCtx covers blocking collaborator calls; canceled by Stop and the
	// hard deadline so a blocked call cannot delay teardown.
	callCtx    context.Context
	callCancel context.CancelFunc

	// loop-private, touched only from run().
	pendingEnd bool

	mu                  sync.Mutex
	phase               Phase
	transcript          []Utterance
	interim             string
	elapsed             time.Duration
	turnCount           int
	interviewerSpeaking bool
	respondentSpeaking  bool
	lastErr             error
	started             bool
}

// New builds an engine. Start must be called to begin the conversation.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = detect.DefaultQuiescence
	}
	if cfg.IdleCeiling <= 0 {
		cfg.IdleCeiling = detect.DefaultIdleCeiling
	}
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		events: make(chan event, 128),
		done:   make(chan struct{}),
		phase:  PhaseIdle,
	}
	e.session = NewSession(cfg.Questions, cfg.Budget, cfg.MaxTurns)
	if cfg.SessionID != "" {
		e.session.ID = cfg.SessionID
	}
	e.callCtx, e.callCancel = context.WithCancel(context.Background())
	e.detector = detect.New(cfg.Quiescence, cfg.IdleCeiling,
		func() { e.post(event{kind: evTurnEnded}) },
		func() { e.post(event{kind: evListenIdle}) },
	)
	return e
}

// Start begins the interview. It returns an error only if the engine was
// already started; all later failures surface through the error phase.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("interview: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	go e.run()
	e.post(event{kind: evStart})
	return nil
}

// Stop is the explicit external stop request: immediate teardown and a
// transition to completed (not error) from any non-terminal phase.
func (e *Engine) Stop() {
	e.callCancel()
	e.post(event{kind: evStop})
}

// Done is closed when the engine reaches a terminal phase.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// SessionID returns the session identifier, fixed at construction.
func (e *Engine) SessionID() string { return e.session.ID }

// State returns a snapshot for observers. The transcript slice is copied;
// prior entries are never mutated.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{
		Phase:               e.phase,
		Transcript:          append([]Utterance(nil), e.transcript...),
		InterimText:         e.interim,
		ElapsedSeconds:      int(e.elapsed.Seconds()),
		TurnCount:           e.turnCount,
		InterviewerSpeaking: e.interviewerSpeaking,
		RespondentSpeaking:  e.respondentSpeaking,
	}
	if e.session != nil {
		st.SessionID = e.session.ID
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
	}
	return st
}

// NotifyTranscript feeds one classified transcription event into the loop.
func (e *Engine) NotifyTranscript(final bool, text string) {
	e.post(event{kind: evTranscript, final: final, text: text})
}

// NotifyPlaybackDone signals the playback queue has drained.
func (e *Engine) NotifyPlaybackDone() {
	e.post(event{kind: evPlaybackDone})
}

// NotifyStreamFatal signals an unrecoverable transcription failure.
func (e *Engine) NotifyStreamFatal(err error) {
	e.post(event{kind: evStreamFatal, err: err})
}

// post enqueues one event. Ticks may be dropped under pressure; every other
// kind is delivered with a blocking send, since losing one would wedge the
// conversation. Blocking posts only ever come from collaborator goroutines,
// never from the loop itself.
func (e *Engine) post(ev event) {
	if ev.kind == evTick {
		select {
		case <-e.done:
		case e.events <- ev:
		default:
			log.Printf("interview: event queue full, dropping tick")
		}
		return
	}
	select {
	case <-e.done:
	case e.events <- ev:
	}
}

// run is the single sequential event loop. No other goroutine mutates
// conversational state.
func (e *Engine) run() {
	defer close(e.done)
	for ev := range e.events {
		e.handle(ev)
		if e.Phase().Terminal() {
			return
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evStart:
		e.handleStart()
	case evTick:
		e.handleTick(ev.elapsed)
	case evTranscript:
		e.handleTranscript(ev)
	case evTurnEnded:
		e.handleTurnEnded()
	case evListenIdle:
		e.handleListenIdle()
	case evPlaybackDone:
		e.handlePlaybackDone()
	case evDeadline:
		e.handleDeadline()
	case evStop:
		e.handleStop()
	case evStreamFatal:
		e.fail(ev.err)
	}
}

func (e *Engine) handleStart() {
	if e.Phase() != PhaseIdle {
		return
	}
	e.setPhase(PhaseConnecting)

	// The budget clock starts at the actual conversation start, not at
	// construction time.
	e.session.StartedAt = time.Now()
	log.Printf("[%s] session starting: budget=%s maxTurns=%d questions=%d",
		e.session.ID, e.session.Budget, e.session.MaxTurns, len(e.session.Questions))
	if e.deps.Metrics != nil {
		e.deps.Metrics.SessionsStarted.Inc()
		e.deps.Metrics.ActiveSessions.Inc()
	}

	e.timer = clock.NewSessionTimer(e.session.Budget,
		func(elapsed time.Duration) { e.post(event{kind: evTick, elapsed: elapsed}) },
		func() {
			// Cancel any in-flight collaborator call first; the loop may be
			// blocked inside one and would otherwise not see the deadline
			// until that call timed out on its own.
			e.callCancel()
			e.post(event{kind: evDeadline})
		},
	)
	e.timer.Start()

	if err := e.deps.Capture.Open(e.callCtx); err != nil {
		e.fail(fmt.Errorf("microphone unavailable: %w", err))
		return
	}

	turn, err := e.deps.Generator.StartTurn(e.callCtx, e.session.ID, e.session.Questions)
	if err != nil {
		turn, err = e.deps.Generator.StartTurn(e.callCtx, e.session.ID, e.session.Questions)
	}
	if err != nil {
		if e.stopPending() {
			return
		}
		log.Printf("[%s] opening turn failed twice, using fallback: %v", e.session.ID, err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.GeneratorFallbacks.Inc()
		}
		turn = dialogue.Turn{Utterance: fallbackOpening}
	}
	e.pendingEnd = turn.EndOfInterview
	e.speak(turn.Utterance)
}

// speak appends an interviewer utterance, synthesizes it, and enqueues the
// audio. A synthesis failure is retried once, then the turn proceeds
// without audio.
func (e *Engine) speak(text string) {
	e.appendUtterance(SpeakerInterviewer, text)
	e.setSpeaking(true, false)

	audio, err := e.deps.Synthesizer.Synthesize(e.callCtx, text)
	if err != nil {
		audio, err = e.deps.Synthesizer.Synthesize(e.callCtx, text)
	}
	if err != nil || len(audio) == 0 {
		if err != nil {
			log.Printf("[%s] synthesis failed twice, continuing without audio: %v", e.session.ID, err)
			if e.deps.Metrics != nil {
				e.deps.Metrics.SynthesisFailures.Inc()
			}
		}
		// Runs on the loop goroutine, so advance directly rather than
		// posting to the queue the loop is draining.
		e.handlePlaybackDone()
		return
	}
	e.deps.Player.Play(audio)
}

func (e *Engine) handlePlaybackDone() {
	phase := e.Phase()
	if phase != PhaseConnecting && phase != PhaseProcessing {
		return
	}
	e.setSpeaking(false, false)

	e.mu.Lock()
	e.turnCount++
	count := e.turnCount
	e.mu.Unlock()
	if e.deps.Metrics != nil {
		e.deps.Metrics.TurnsCompleted.Inc()
	}
	log.Printf("[%s] interviewer turn %d complete", e.session.ID, count)

	if e.pendingEnd || e.limitsReached() {
		e.finish()
		return
	}
	e.setPhase(PhaseInterviewing)
	e.beginListening()
}

// beginListening opens a fresh listening window. The transcriber's text
// state is reset first so a previous turn cannot bleed into this one.
func (e *Engine) beginListening() {
	e.deps.Transcriber.Reset()
	e.mu.Lock()
	e.interim = ""
	e.mu.Unlock()

	if err := e.deps.Transcriber.Connect(e.callCtx); err != nil {
		if e.stopPending() {
			return
		}
		e.fail(fmt.Errorf("transcription connect: %w", err))
		return
	}
	if err := e.deps.Capture.Start(e.deps.Transcriber.SendAudio); err != nil {
		e.fail(fmt.Errorf("capture start: %w", err))
		return
	}
	e.detector.Begin()
}

// endListening tears down the current window: capture first, then the
// transcription connection, then the detector. A new window only begins
// after both report stopped.
func (e *Engine) endListening() {
	e.deps.Capture.Stop()
	e.deps.Transcriber.Disconnect()
	e.detector.Cancel()
}

func (e *Engine) handleTranscript(ev event) {
	if e.Phase() != PhaseInterviewing {
		return
	}
	e.mu.Lock()
	e.interim = e.deps.Transcriber.Interim()
	if ev.text != "" && !e.respondentSpeaking {
		e.respondentSpeaking = true
	}
	e.mu.Unlock()
	e.detector.Touch(ev.text)
}

func (e *Engine) handleTurnEnded() {
	if e.Phase() != PhaseInterviewing {
		return
	}
	text := strings.TrimSpace(e.deps.Transcriber.Combined())
	e.endListening()
	if text != "" {
		e.appendUtterance(SpeakerRespondent, text)
	}
	e.setSpeaking(false, false)
	e.mu.Lock()
	e.interim = ""
	e.mu.Unlock()

	e.setPhase(PhaseProcessing)
	e.processTurn(text)
}

// handleListenIdle re-arms listening when the idle ceiling passed with no
// speech at all; finishing a turn with an empty transcript would only feed
// noise to the generator.
func (e *Engine) handleListenIdle() {
	if e.Phase() != PhaseInterviewing {
		return
	}
	log.Printf("[%s] no speech detected, re-arming listening window", e.session.ID)
	e.detector.Begin()
}

func (e *Engine) processTurn(respondent string) {
	if e.limitsReached() {
		e.finish()
		return
	}

	e.mu.Lock()
	count := e.turnCount
	e.mu.Unlock()
	elapsed := time.Since(e.session.StartedAt)

	turn, err := e.deps.Generator.NextTurn(e.callCtx, e.session.ID, respondent, count, elapsed)
	if err != nil {
		turn, err = e.deps.Generator.NextTurn(e.callCtx, e.session.ID, respondent, count, elapsed)
	}
	if err != nil {
		if e.stopPending() {
			return
		}
		log.Printf("[%s] next turn failed twice, using fallback: %v", e.session.ID, err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.GeneratorFallbacks.Inc()
		}
		turn = dialogue.Turn{Utterance: fallbackUtterance}
	}
	if turn.EndOfInterview {
		e.pendingEnd = true
	}
	e.speak(turn.Utterance)
}

func (e *Engine) handleTick(elapsed time.Duration) {
	e.mu.Lock()
	if elapsed > e.elapsed {
		e.elapsed = elapsed
	}
	e.mu.Unlock()
}

// handleDeadline treats the hard session deadline like a generator-issued
// end-of-interview: finalize any interim speech and complete without
// further generator calls.
func (e *Engine) handleDeadline() {
	phase := e.Phase()
	if phase.Terminal() {
		return
	}
	log.Printf("[%s] session budget reached", e.session.ID)
	e.mu.Lock()
	if e.session.Budget > e.elapsed {
		e.elapsed = e.session.Budget
	}
	e.mu.Unlock()

	if phase == PhaseInterviewing {
		text := strings.TrimSpace(e.deps.Transcriber.Combined())
		e.endListening()
		if text != "" {
			e.appendUtterance(SpeakerRespondent, text)
		}
		e.setSpeaking(false, false)
		e.setPhase(PhaseProcessing)
	}
	e.finish()
}

func (e *Engine) handleStop() {
	if e.Phase().Terminal() {
		return
	}
	log.Printf("[%s] external stop requested", e.sessionLogID())
	e.teardown()
	e.setPhase(PhaseCompleted)
	e.observeEnd(false)
}

// finish is the normal terminal path.
func (e *Engine) finish() {
	e.teardown()
	e.setPhase(PhaseCompleted)
	e.observeEnd(false)
	log.Printf("[%s] interview completed: turns=%d", e.sessionLogID(), e.State().TurnCount)
}

// fail records a human-readable cause and enters the error phase.
func (e *Engine) fail(err error) {
	if e.Phase().Terminal() {
		return
	}
	log.Printf("[%s] fatal: %v", e.sessionLogID(), err)
	e.teardown()
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.setPhase(PhaseError)
	e.observeEnd(true)
}

// teardown stops all owned subsystems in the mandated order: capture,
// transcription, playback, quiescence timer. It runs to completion before
// any terminal transition is committed.
func (e *Engine) teardown() {
	e.callCancel()
	e.deps.Capture.Stop()
	e.deps.Transcriber.Disconnect()
	e.deps.Player.Stop()
	e.detector.Cancel()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.setSpeaking(false, false)
	e.deps.Capture.Close()
	e.deps.Player.Close()
}

func (e *Engine) observeEnd(failed bool) {
	if e.deps.Metrics == nil {
		return
	}
	e.deps.Metrics.ActiveSessions.Dec()
	if failed {
		e.deps.Metrics.SessionsFailed.Inc()
	} else {
		e.deps.Metrics.SessionsCompleted.Inc()
	}
	if e.session != nil {
		e.deps.Metrics.SessionDuration.Observe(time.Since(e.session.StartedAt).Seconds())
	}
}

// limitsReached applies the local hard limits, which always win over the
// generator's end flag.
func (e *Engine) limitsReached() bool {
	e.mu.Lock()
	count := e.turnCount
	e.mu.Unlock()
	if count >= e.session.MaxTurns {
		return true
	}
	return time.Since(e.session.StartedAt) >= e.session.Budget
}

func (e *Engine) appendUtterance(speaker Speaker, text string) {
	e.mu.Lock()
	e.transcript = append(e.transcript, Utterance{Speaker: speaker, Text: text, At: time.Now()})
	e.mu.Unlock()
	log.Printf("[%s] %s: %s", e.sessionLogID(), speaker, text)
}

// setSpeaking maintains the exclusivity invariant: at most one speaking
// flag is true at any time.
func (e *Engine) setSpeaking(interviewer, respondent bool) {
	e.mu.Lock()
	e.interviewerSpeaking = interviewer && !respondent
	e.respondentSpeaking = respondent && !interviewer
	e.mu.Unlock()
}

func (e *Engine) setPhase(to Phase) {
	e.mu.Lock()
	from := e.phase
	if !ValidTransition(from, to) {
		e.mu.Unlock()
		log.Printf("[%s] rejected transition %s -> %s", e.sessionLogID(), from, to)
		return
	}
	e.phase = to
	e.mu.Unlock()
	log.Printf("[%s] phase %s -> %s", e.sessionLogID(), from, to)
}

// stopPending reports whether a stop or deadline cancellation is already in
// flight, in which case a failed collaborator call should not be treated as
// an error of its own.
func (e *Engine) stopPending() bool {
	select {
	case <-e.callCtx.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) sessionLogID() string { return e.session.ID }
