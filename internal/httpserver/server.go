// Package httpserver exposes the interview control plane: session creation
// with WebRTC signaling, state snapshots, stop requests, health, and metrics.
package httpserver

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taiseikawazu1312-ship-it/voicescope/internal/capture"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/config"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/dialogue"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/interview"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/metrics"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/playback"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/rtc"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/synth"
	"github.com/taiseikawazu1312-ship-it/voicescope/internal/transcribe"
)

// forgetter is implemented by generators that keep per-session history.
type forgetter interface{ Forget(sessionID string) }

// liveSession pairs an engine with its transport, if any.
type liveSession struct {
	engine *interview.Engine
	peer   *rtc.Peer
	gen    interview.Generator
}

// Server bundles the HTTP router, the session registry, and the shared
// dependencies every session is assembled from.
type Server struct {
	cfg     config.Config
	metrics *metrics.Metrics
	router  *echo.Echo

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// New constructs the server with all routes registered.
func New(cfg config.Config, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		metrics:  m,
		router:   newRouter(),
		sessions: make(map[string]*liveSession),
	}

	s.router.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	s.router.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.router.POST("/interviews", s.startInterview)
	s.router.GET("/interviews/:id", s.getInterview)
	s.router.POST("/interviews/:id/stop", s.stopInterview)
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// StopAll stops every live session; used during graceful shutdown.
func (s *Server) StopAll() {
	s.mu.Lock()
	live := make([]*liveSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.engine.Stop()
	}
}

type startRequest struct {
	Offer *rtc.SessionDescription `json:"offer,omitempty"`
}

type startResponse struct {
	SessionID string                  `json:"session_id"`
	Answer    *rtc.SessionDescription `json:"answer,omitempty"`
}

func (s *Server) startInterview(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var (
		sess   *liveSession
		answer *rtc.SessionDescription
		err    error
	)
	switch s.cfg.AudioMode {
	case "local":
		sess, err = s.assembleLocal()
	default:
		if req.Offer == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "offer required"})
		}
		sess, answer, err = s.assembleWebRTC(*req.Offer)
	}
	if err != nil {
		log.Printf("session assembly failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	id := sess.engine.SessionID()
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if err := sess.engine.Start(); err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		if sess.peer != nil {
			sess.peer.Close()
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	go s.reapOnDone(id, sess)

	return c.JSON(http.StatusCreated, startResponse{SessionID: id, Answer: answer})
}

func (s *Server) getInterview(c echo.Context) error {
	sess := s.lookup(c.Param("id"))
	if sess == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}
	return c.JSON(http.StatusOK, sess.engine.State())
}

func (s *Server) stopInterview(c echo.Context) error {
	sess := s.lookup(c.Param("id"))
	if sess == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}
	sess.engine.Stop()
	<-sess.engine.Done()
	return c.JSON(http.StatusOK, sess.engine.State())
}

func (s *Server) lookup(id string) *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// reapOnDone releases per-session resources once the engine terminates. The
// registry entry stays so the final state remains queryable.
func (s *Server) reapOnDone(id string, sess *liveSession) {
	<-sess.engine.Done()
	if sess.peer != nil {
		sess.peer.Close()
	}
	if f, ok := sess.gen.(forgetter); ok {
		f.Forget(id)
	}
}

// assembleWebRTC builds a session carried over a browser peer connection and
// answers its SDP offer.
func (s *Server) assembleWebRTC(offer rtc.SessionDescription) (*liveSession, *rtc.SessionDescription, error) {
	sessionID := uuid.NewString()

	var engPtr atomic.Pointer[interview.Engine]
	peer, err := rtc.NewPeer(sessionID,
		func() {
			if eng := engPtr.Load(); eng != nil {
				eng.Stop()
			}
		},
		func() {
			if eng := engPtr.Load(); eng != nil && !eng.Phase().Terminal() {
				log.Printf("[%s] peer disconnected, stopping session", sessionID)
				eng.Stop()
			}
		},
	)
	if err != nil {
		return nil, nil, err
	}

	gen := s.pickGenerator()
	eng := s.assembleEngine(sessionID, &engPtr, gen, peer.Capture(), peer.CreateSink)
	engPtr.Store(eng)

	answer, err := peer.Answer(offer)
	if err != nil {
		peer.Close()
		return nil, nil, err
	}
	return &liveSession{engine: eng, peer: peer, gen: gen}, &answer, nil
}

// assembleLocal builds a session using the host's PulseAudio devices.
func (s *Server) assembleLocal() (*liveSession, error) {
	sessionID := uuid.NewString()
	var engPtr atomic.Pointer[interview.Engine]
	gen := s.pickGenerator()
	eng := s.assembleEngine(sessionID, &engPtr, gen, capture.NewPipeline(),
		func() (playback.Sink, error) { return playback.NewPulseSink() })
	engPtr.Store(eng)
	return &liveSession{engine: eng, gen: gen}, nil
}

// assembleEngine wires the per-session collaborators around one engine. The
// engine pointer is published after construction; callbacks only fire once
// the engine has started, so the load is always non-nil in practice.
func (s *Server) assembleEngine(sessionID string, engPtr *atomic.Pointer[interview.Engine],
	gen interview.Generator, capt interview.CapturePipeline, newSink func() (playback.Sink, error)) *interview.Engine {

	tokens := transcribe.NewTokenClient(s.cfg.STTTokenURL, s.cfg.STTAPIKey)
	tr := transcribe.NewClient(
		transcribe.Config{StreamURL: s.cfg.STTStreamURL},
		tokens,
		func(r transcribe.Result) {
			if eng := engPtr.Load(); eng != nil {
				eng.NotifyTranscript(r.Final, r.Text)
			}
		},
		func(err error) {
			if eng := engPtr.Load(); eng != nil {
				eng.NotifyStreamFatal(err)
			}
		},
	)
	tr.SetReconnectHook(func() { s.metrics.TranscribeReconnects.Inc() })

	queue := playback.NewQueue(newSink,
		func() {
			if eng := engPtr.Load(); eng != nil {
				eng.NotifyPlaybackDone()
			}
		},
		func() { s.metrics.PlaybackDecodeSkips.Inc() },
	)

	return interview.New(
		interview.Config{
			SessionID: sessionID,
			Questions: s.cfg.Questions,
			Budget:    time.Duration(s.cfg.SessionBudgetSeconds) * time.Second,
		},
		interview.Deps{
			Capture:     capt,
			Transcriber: tr,
			Player:      queue,
			Generator:   gen,
			Synthesizer: synth.NewDeepgramSynthesizer(s.cfg.DeepgramKey, s.cfg.DeepgramVoice),
			Metrics:     s.metrics,
		},
	)
}

// pickGenerator selects the configured turn generator.
func (s *Server) pickGenerator() interview.Generator {
	if s.cfg.GeneratorMode == "scripted" {
		return dialogue.NewScripted()
	}
	return dialogue.NewClient(s.cfg.GeneratorURL, s.cfg.GeneratorKey, s.cfg.GeneratorModel)
}
