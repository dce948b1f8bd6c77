package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/stt"
)

const (
	// frameSize is 30ms of 16kHz 16-bit mono PCM
	frameSize  = 480 * 2
	leadFrames = 10
)

// ErrNoEngine is returned when no offline model is loaded
var ErrNoEngine = errors.New("no speech model loaded")

// TranscriptionService turns a complete recording into a scored attempt
type TranscriptionService struct {
	newEngine  stt.EngineFactory
	scorer     practice.Scorer
	vad        audio.VADConfig
	sampleRate uint32

	// mu serializes decoding
	mu sync.Mutex
}

// NewTranscriptionService creates a service. A nil engine factory makes
// every transcription fail with ErrNoEngine.
func NewTranscriptionService(newEngine stt.EngineFactory, scorer practice.Scorer, vad audio.VADConfig, sampleRate uint32) *TranscriptionService {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &TranscriptionService{
		newEngine:  newEngine,
		scorer:     scorer,
		vad:        vad,
		sampleRate: sampleRate,
	}
}

// ScoreRecording decodes base64 PCM, transcribes it and scores it against target
func (ts *TranscriptionService) ScoreRecording(ctx context.Context, args ScoreRecordingArgs) (ScoreResult, error) {
	pcm, err := base64.StdEncoding.DecodeString(args.Audio)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("invalid base64 audio: %w", err)
	}
	if len(pcm)%2 != 0 {
		return ScoreResult{}, fmt.Errorf("audio is not 16-bit PCM: odd byte count %d", len(pcm))
	}

	start := time.Now()
	text, confidence, heard, err := ts.transcribe(ctx, pcm)
	if err != nil {
		return ScoreResult{}, err
	}

	feedback, err := ts.scorer.Score(ctx, practice.Attempt{Target: args.Target, Transcript: text})
	if err != nil {
		return ScoreResult{}, fmt.Errorf("scoring failed: %w", err)
	}
	return ScoreResult{
		Transcript:   text,
		SpeechHeard:  heard,
		Confidence:   confidence,
		Feedback:     feedback,
		DurationSecs: time.Since(start).Seconds(),
	}, nil
}

func (ts *TranscriptionService) transcribe(ctx context.Context, pcm []byte) (string, float64, bool, error) {
	if ts.newEngine == nil {
		return "", 0, false, ErrNoEngine
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	engine, err := ts.newEngine()
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to open decoder: %w", err)
	}
	defer engine.Close()

	detector := audio.NewSpeechDetector(ts.vad, ts.sampleRate)
	var text string
	var confidence float64
	var pending [][]byte
	for offset := 0; offset < len(pcm); offset += frameSize {
		if err := ctx.Err(); err != nil {
			return "", 0, false, err
		}
		end := min(offset+frameSize, len(pcm))
		chunk := pcm[offset:end]

		detector.ProcessFrame(chunk)
		if !detector.HeardSpeech() {
			// keep the onset that the detector needs before it commits
			pending = append(pending, chunk)
			if len(pending) > leadFrames {
				pending = pending[1:]
			}
			continue
		}
		for _, frame := range append(pending, chunk) {
			result, err := engine.ProcessAudio(ctx, frame)
			if err != nil {
				return "", 0, false, fmt.Errorf("transcription failed: %w", err)
			}
			if result != nil && !result.Partial && result.Text != "" {
				text = joinText(text, result.Text)
				confidence = result.Confidence
			}
		}
		pending = nil
	}

	if !detector.HeardSpeech() {
		return "", 0, false, nil
	}
	final, err := engine.FinalResult()
	if err != nil {
		return "", 0, true, fmt.Errorf("failed to get final result: %w", err)
	}
	if final != nil && final.Text != "" {
		text = joinText(text, final.Text)
		confidence = final.Confidence
	}
	return text, confidence, true, nil
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}
