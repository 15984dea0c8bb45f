package interview

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/dialogue"
)

type fakeCapture struct {
	mu      sync.Mutex
	opened  bool
	active  bool
	closed  bool
	openErr error
	onChunk func([]byte)
}

func (f *fakeCapture) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeCapture) Start(onChunk func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.onChunk = onChunk
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

func (f *fakeCapture) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeCapture) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCapture) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTranscriber struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	resets      int
	combined    string
	interim     string
}

func (f *fakeTranscriber) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeTranscriber) SendAudio([]byte) {}

func (f *fakeTranscriber) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTranscriber) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.combined = ""
	f.interim = ""
}

func (f *fakeTranscriber) Interim() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interim
}

func (f *fakeTranscriber) Combined() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.combined
}

func (f *fakeTranscriber) setText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combined = text
	f.interim = text
}

type fakePlayer struct {
	mu      sync.Mutex
	played  int
	stopped bool
	closed  bool
}

func (f *fakePlayer) Play([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played++
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakePlayer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeGenerator struct {
	mu         sync.Mutex
	startFails int
	nextFails  int
	startCalls int
	nextCalls  int
	turns      []dialogue.Turn
	// block, when set, holds every call until released or the context ends.
	block chan struct{}
}

func (f *fakeGenerator) wait(ctx context.Context) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeGenerator) StartTurn(ctx context.Context, _ string, _ []string) (dialogue.Turn, error) {
	f.mu.Lock()
	f.startCalls++
	fail := f.startFails > 0
	if fail {
		f.startFails--
	}
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return dialogue.Turn{}, err
	}
	if fail {
		return dialogue.Turn{}, fmt.Errorf("generator unavailable")
	}
	return dialogue.Turn{Utterance: "Welcome, first question?"}, nil
}

func (f *fakeGenerator) NextTurn(ctx context.Context, _ string, _ string, _ int, _ time.Duration) (dialogue.Turn, error) {
	f.mu.Lock()
	f.nextCalls++
	fail := f.nextFails > 0
	if fail {
		f.nextFails--
	}
	var turn dialogue.Turn
	if len(f.turns) == 0 {
		turn = dialogue.Turn{Utterance: "Thanks, goodbye.", EndOfInterview: true}
	} else {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return dialogue.Turn{}, err
	}
	if fail {
		return dialogue.Turn{}, fmt.Errorf("generator unavailable")
	}
	return turn, nil
}

func (f *fakeGenerator) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.nextCalls
}

// fakeSynth returns no audio so the engine advances turns without a player
// round-trip. release, when set, gates each call.
type fakeSynth struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

type testRig struct {
	engine      *Engine
	capture     *fakeCapture
	transcriber *fakeTranscriber
	player      *fakePlayer
	generator   *fakeGenerator
	synth       *fakeSynth
}

func newTestRig(cfg Config) *testRig {
	r := &testRig{
		capture:     &fakeCapture{},
		transcriber: &fakeTranscriber{},
		player:      &fakePlayer{},
		generator:   &fakeGenerator{},
		synth:       &fakeSynth{},
	}
	if cfg.Quiescence == 0 {
		cfg.Quiescence = 40 * time.Millisecond
	}
	if cfg.IdleCeiling == 0 {
		cfg.IdleCeiling = 500 * time.Millisecond
	}
	if len(cfg.Questions) == 0 {
		cfg.Questions = []string{"q1", "q2"}
	}
	r.engine = New(cfg, Deps{
		Capture:     r.capture,
		Transcriber: r.transcriber,
		Player:      r.player,
		Generator:   r.generator,
		Synthesizer: r.synth,
	})
	return r
}

// respond simulates one finished respondent answer: transcription activity
// followed by quiescence.
func (r *testRig) respond(text string) {
	r.transcriber.setText(text)
	r.engine.NotifyTranscript(false, text)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpeningTurnReachesListening(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })

	st := r.engine.State()
	if len(st.Transcript) != 1 {
		t.Fatalf("transcript len = %d, want 1", len(st.Transcript))
	}
	if st.Transcript[0].Speaker != SpeakerInterviewer {
		t.Fatalf("first utterance speaker = %s, want interviewer", st.Transcript[0].Speaker)
	}
	if st.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", st.TurnCount)
	}
	if !r.capture.isActive() {
		t.Fatal("capture window not active while interviewing")
	}
}

func TestStartTwiceFails(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()
	if err := r.engine.Start(); err == nil {
		t.Fatal("second Start returned nil error")
	}
}

func TestFullExchangeAndGeneratorEnd(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.respond("it works on my machine")
	waitFor(t, "completed phase", func() bool { return r.engine.Phase() == PhaseCompleted })

	st := r.engine.State()
	// interviewer opening, respondent answer, interviewer closing
	if len(st.Transcript) != 3 {
		t.Fatalf("transcript len = %d, want 3", len(st.Transcript))
	}
	want := []Speaker{SpeakerInterviewer, SpeakerRespondent, SpeakerInterviewer}
	for i, sp := range want {
		if st.Transcript[i].Speaker != sp {
			t.Fatalf("transcript[%d].Speaker = %s, want %s", i, st.Transcript[i].Speaker, sp)
		}
	}
	if st.Transcript[1].Text != "it works on my machine" {
		t.Fatalf("respondent text = %q", st.Transcript[1].Text)
	}
	for i := 1; i < len(st.Transcript); i++ {
		if st.Transcript[i].At.Before(st.Transcript[i-1].At) {
			t.Fatalf("transcript timestamps out of order at %d", i)
		}
	}
}

func TestSpeakingFlagsExclusive(t *testing.T) {
	r := newTestRig(Config{Quiescence: 10 * time.Second})
	r.synth.release = make(chan struct{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	// Synthesis is in flight; the interviewer counts as speaking.
	waitFor(t, "interviewer speaking", func() bool { return r.engine.State().InterviewerSpeaking })
	st := r.engine.State()
	if st.RespondentSpeaking {
		t.Fatal("both speaking flags set")
	}
	close(r.synth.release)

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.engine.NotifyTranscript(false, "well")
	waitFor(t, "respondent speaking", func() bool { return r.engine.State().RespondentSpeaking })
	if r.engine.State().InterviewerSpeaking {
		t.Fatal("both speaking flags set")
	}
}

func TestDeadlineCompletesWithoutGeneratorCalls(t *testing.T) {
	r := newTestRig(Config{Budget: 150 * time.Millisecond, Quiescence: 10 * time.Second, IdleCeiling: 10 * time.Second})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.transcriber.setText("half an answ")
	r.engine.NotifyTranscript(false, "half an answ")

	waitFor(t, "completed phase", func() bool { return r.engine.Phase() == PhaseCompleted })

	_, nextCalls := r.generator.calls()
	if nextCalls != 0 {
		t.Fatalf("generator called %d times after deadline, want 0", nextCalls)
	}
	st := r.engine.State()
	if st.Transcript[len(st.Transcript)-1].Text != "half an answ" {
		t.Fatalf("interim speech not finalized, transcript tail = %q", st.Transcript[len(st.Transcript)-1].Text)
	}
	if st.ElapsedSeconds < 0 {
		t.Fatalf("elapsed = %d", st.ElapsedSeconds)
	}
}

func TestDeadlineCancelsBlockedSynthesis(t *testing.T) {
	r := newTestRig(Config{Budget: 150 * time.Millisecond, Quiescence: 10 * time.Second, IdleCeiling: 10 * time.Second})
	// Synthesis never returns on its own; only context cancellation can
	// unblock it.
	r.synth.release = make(chan struct{})

	start := time.Now()
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-r.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after budget expired")
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("termination took %s, want shortly after the 150ms budget", took)
	}
	if got := r.engine.Phase(); got != PhaseCompleted {
		t.Fatalf("phase = %s, want completed", got)
	}
}

func TestDeadlineCancelsBlockedGenerator(t *testing.T) {
	r := newTestRig(Config{Budget: 400 * time.Millisecond, Quiescence: 10 * time.Second, IdleCeiling: 10 * time.Second})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.generator.mu.Lock()
	r.generator.block = make(chan struct{})
	r.generator.mu.Unlock()
	r.respond("an answer")
	// Force the turn end now rather than waiting out quiescence; the loop
	// will block inside NextTurn with the budget still running.
	r.engine.post(event{kind: evTurnEnded})

	start := time.Now()
	select {
	case <-r.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after budget expired")
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("termination took %s after turn end, want within the budget remainder", took)
	}
	if got := r.engine.Phase(); got != PhaseCompleted {
		t.Fatalf("phase = %s, want completed", got)
	}
}

func TestTranscriptBurstDoesNotWedge(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	// Far more interim updates than the event queue holds; none of the
	// loop-critical events that follow may be lost.
	for i := 0; i < 400; i++ {
		r.engine.NotifyTranscript(false, "still talking")
	}
	r.respond("done now")

	waitFor(t, "completed phase", func() bool { return r.engine.Phase() == PhaseCompleted })
	st := r.engine.State()
	if st.Transcript[1].Text != "done now" {
		t.Fatalf("respondent text = %q, want %q", st.Transcript[1].Text, "done now")
	}
}

func TestOpeningFallbackAfterTwoFailures(t *testing.T) {
	r := newTestRig(Config{})
	r.generator.startFails = 2
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })

	startCalls, _ := r.generator.calls()
	if startCalls != 2 {
		t.Fatalf("start calls = %d, want 2", startCalls)
	}
	st := r.engine.State()
	if st.Transcript[0].Text != fallbackOpening {
		t.Fatalf("opening = %q, want fallback", st.Transcript[0].Text)
	}
	if st.Error != "" {
		t.Fatalf("unexpected error state: %s", st.Error)
	}
}

func TestNextTurnFallbackKeepsConversationAlive(t *testing.T) {
	r := newTestRig(Config{})
	r.generator.nextFails = 2
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.respond("some answer")
	waitFor(t, "second interviewer turn", func() bool { return r.engine.State().TurnCount >= 2 })

	st := r.engine.State()
	if st.Phase == PhaseError {
		t.Fatalf("fallback turn ended in error: %s", st.Error)
	}
	if st.Transcript[2].Text != fallbackUtterance {
		t.Fatalf("turn = %q, want fallback", st.Transcript[2].Text)
	}
}

func TestStopTearsEverythingDown(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })

	r.engine.Stop()
	<-r.engine.Done()

	if got := r.engine.Phase(); got != PhaseCompleted {
		t.Fatalf("phase after stop = %s, want completed", got)
	}
	if r.capture.isActive() {
		t.Fatal("capture still active after stop")
	}
	if !r.capture.isClosed() {
		t.Fatal("capture not closed after stop")
	}
	r.transcriber.mu.Lock()
	connected := r.transcriber.connected
	r.transcriber.mu.Unlock()
	if connected {
		t.Fatal("transcriber still connected after stop")
	}
	r.player.mu.Lock()
	stopped, closed := r.player.stopped, r.player.closed
	r.player.mu.Unlock()
	if !stopped || !closed {
		t.Fatalf("player stopped=%v closed=%v after stop", stopped, closed)
	}
	st := r.engine.State()
	if st.InterviewerSpeaking || st.RespondentSpeaking {
		t.Fatal("speaking flags survived stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.engine.Stop()
	<-r.engine.Done()
	r.engine.Stop()
	if got := r.engine.Phase(); got != PhaseCompleted {
		t.Fatalf("phase = %s, want completed", got)
	}
}

func TestMaxTurnsCeiling(t *testing.T) {
	r := newTestRig(Config{MaxTurns: 1})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "completed phase", func() bool { return r.engine.Phase() == PhaseCompleted })
	st := r.engine.State()
	if st.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", st.TurnCount)
	}
	_, nextCalls := r.generator.calls()
	if nextCalls != 0 {
		t.Fatalf("generator next calls = %d, want 0", nextCalls)
	}
}

func TestCaptureOpenFailureIsFatal(t *testing.T) {
	r := newTestRig(Config{})
	r.capture.openErr = fmt.Errorf("no such device")
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-r.engine.Done()

	st := r.engine.State()
	if st.Phase != PhaseError {
		t.Fatalf("phase = %s, want error", st.Phase)
	}
	if st.Error == "" {
		t.Fatal("error phase with empty cause")
	}
}

func TestStreamFatalFailsSession(t *testing.T) {
	r := newTestRig(Config{})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })

	r.engine.NotifyStreamFatal(fmt.Errorf("reconnection exhausted"))
	<-r.engine.Done()
	if got := r.engine.Phase(); got != PhaseError {
		t.Fatalf("phase = %s, want error", got)
	}
}

func TestIdleCeilingReArmsListening(t *testing.T) {
	r := newTestRig(Config{IdleCeiling: 60 * time.Millisecond, Quiescence: 30 * time.Millisecond})
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	// Say nothing; the idle ceiling should pass without ending the session
	// and the next answer should still be heard.
	time.Sleep(150 * time.Millisecond)
	if got := r.engine.Phase(); got != PhaseInterviewing {
		t.Fatalf("phase after idle ceiling = %s, want interviewing", got)
	}
	r.respond("eventually an answer")
	waitFor(t, "respondent heard", func() bool {
		st := r.engine.State()
		return len(st.Transcript) >= 2 && st.Transcript[1].Speaker == SpeakerRespondent
	})
}

func TestListeningWindowResetsTranscriber(t *testing.T) {
	r := newTestRig(Config{})
	r.generator.turns = []dialogue.Turn{{Utterance: "And the second question?"}}
	if err := r.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.engine.Stop()

	waitFor(t, "interviewing phase", func() bool { return r.engine.Phase() == PhaseInterviewing })
	r.respond("first answer")
	waitFor(t, "second listening window", func() bool {
		r.transcriber.mu.Lock()
		defer r.transcriber.mu.Unlock()
		return r.transcriber.connects >= 2
	})

	r.transcriber.mu.Lock()
	resets, disconnects := r.transcriber.resets, r.transcriber.disconnects
	r.transcriber.mu.Unlock()
	if resets < 2 {
		t.Fatalf("transcriber resets = %d, want >= 2", resets)
	}
	if disconnects < 1 {
		t.Fatalf("transcriber disconnects = %d, want >= 1", disconnects)
	}
}
