package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Audio transport for the respondent: "webrtc" (browser peer) or "local"
	// (PulseAudio microphone and speakers on this host).
	AudioMode string

	// Turn generator selection: "llm" (chat-completions service) or "scripted"
	// (walk the question list verbatim).
	GeneratorMode  string
	GeneratorURL   string
	GeneratorKey   string
	GeneratorModel string

	// Streaming transcription service.
	STTStreamURL string
	STTTokenURL  string
	STTAPIKey    string

	// Speech synthesis.
	DeepgramKey   string
	DeepgramVoice string

	// Interview shape.
	SessionBudgetSeconds int
	Questions            []string
}

// DefaultQuestions is used when QUESTIONS is not configured.
var DefaultQuestions = []string{
	"To start, could you tell me a little about yourself and what you do?",
	"What does a typical day look like for you?",
	"What is the biggest frustration you run into with your current tools?",
	"If you could change one thing about that workflow, what would it be?",
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	mode := strings.ToLower(os.Getenv("AUDIO_MODE"))
	if mode != "local" {
		mode = "webrtc"
	}

	genMode := strings.ToLower(os.Getenv("GENERATOR_MODE"))
	if genMode != "scripted" {
		genMode = "llm"
	}
	genURL := os.Getenv("GENERATOR_URL")
	if genURL == "" {
		genURL = "https://api.cerebras.ai/v1/chat/completions"
	}
	genKey := os.Getenv("GENERATOR_API_KEY")
	if genKey == "" && genMode == "llm" {
		log.Println("Warning: GENERATOR_API_KEY not set - falling back to scripted turns")
		genMode = "scripted"
	}
	genModel := os.Getenv("GENERATOR_MODEL_ID")
	if genModel == "" {
		genModel = "llama-4-maverick-17b-128e-instruct"
	}

	sttStream := os.Getenv("STT_STREAM_URL")
	if sttStream == "" {
		sttStream = "wss://api.deepgram.com/v1/listen"
	}
	sttToken := os.Getenv("STT_TOKEN_URL")
	if sttToken == "" {
		sttToken = "https://api.deepgram.com/v1/auth/grant"
	}
	sttKey := os.Getenv("STT_API_KEY")
	if sttKey == "" {
		log.Println("Warning: STT_API_KEY not set - transcription will not work")
	}

	dgKey := os.Getenv("DEEPGRAM_API_KEY")
	if dgKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech synthesis will not work")
	}
	dgVoice := os.Getenv("DEEPGRAM_VOICE")
	if dgVoice == "" {
		dgVoice = "aura-2-thalia-en"
	}

	budget := 300
	if v := os.Getenv("SESSION_BUDGET_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			budget = n
		} else {
			log.Printf("Warning: invalid SESSION_BUDGET_SECONDS %q, using %d", v, budget)
		}
	}

	questions := DefaultQuestions
	if raw := os.Getenv("QUESTIONS"); raw != "" {
		var qs []string
		for _, q := range strings.Split(raw, ";") {
			if q = strings.TrimSpace(q); q != "" {
				qs = append(qs, q)
			}
		}
		if len(qs) > 0 {
			questions = qs
		}
	}

	log.Printf("config: HTTP_ADDRESS=%s AUDIO_MODE=%s GENERATOR_MODE=%s questions=%d budget=%ds",
		addr, mode, genMode, len(questions), budget)
	return Config{
		HTTPAddress:          addr,
		AudioMode:            mode,
		GeneratorMode:        genMode,
		GeneratorURL:         genURL,
		GeneratorKey:         genKey,
		GeneratorModel:       genModel,
		STTStreamURL:         sttStream,
		STTTokenURL:          sttToken,
		STTAPIKey:            sttKey,
		DeepgramKey:          dgKey,
		DeepgramVoice:        dgVoice,
		SessionBudgetSeconds: budget,
		Questions:            questions,
	}
}
