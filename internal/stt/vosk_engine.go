package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// VoskModel is a loaded Vosk acoustic model. Loading is slow, so one model is
// shared by every recognition session.
type VoskModel struct {
	mu     sync.Mutex
	model  *vosk.VoskModel
	config Config
}

// LoadVoskModel loads the model at config.ModelPath. A missing model
// directory means offline recognition is unsupported on this install.
func LoadVoskModel(config Config) (*VoskModel, error) {
	if config.ModelPath == "" {
		return nil, fmt.Errorf("%w: no vosk model configured", ErrUnsupportedPlatform)
	}
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: vosk model not found at %s", ErrUnsupportedPlatform, config.ModelPath)
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}

	// Set log level (0 = errors only, higher = more verbose)
	vosk.SetLogLevel(-1)

	model, err := vosk.NewModel(config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model from %s: %w", config.ModelPath, err)
	}
	if model == nil {
		return nil, fmt.Errorf("failed to load model from %s: model returned nil", config.ModelPath)
	}
	return &VoskModel{model: model, config: config}, nil
}

// NewEngine creates a recognizer bound to this model
func (m *VoskModel) NewEngine() (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, fmt.Errorf("vosk model closed")
	}

	recognizer, err := vosk.NewRecognizer(m.model, float64(m.config.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	if m.config.MaxAlternatives > 0 {
		recognizer.SetMaxAlternatives(m.config.MaxAlternatives)
	}
	// Always enable word results to get confidence scores
	recognizer.SetWords(1)

	return &VoskEngine{recognizer: recognizer}, nil
}

// Close frees the model. Engines created from it must be closed first.
func (m *VoskModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

// VoskEngine implements the Engine interface using Vosk
type VoskEngine struct {
	mu         sync.Mutex
	recognizer *vosk.VoskRecognizer
}

// voskResult represents the JSON result from Vosk
type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Conf  float64 `json:"conf"`
		End   float64 `json:"end"`
		Start float64 `json:"start"`
		Word  string  `json:"word"`
	} `json:"result,omitempty"`
	Partial string `json:"partial,omitempty"`
}

// ProcessAudio processes audio data and returns recognition results
func (v *VoskEngine) ProcessAudio(ctx context.Context, audioData []byte) (*Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.recognizer == nil {
		return nil, fmt.Errorf("engine closed")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if v.recognizer.AcceptWaveform(audioData) > 0 {
		return parseFinal(v.recognizer.Result())
	}
	return parsePartial(v.recognizer.PartialResult())
}

// FinalResult returns the final result and resets the recognizer
func (v *VoskEngine) FinalResult() (*Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.recognizer == nil {
		return nil, fmt.Errorf("engine closed")
	}
	return parseFinal(v.recognizer.FinalResult())
}

// Reset resets the recognizer state
func (v *VoskEngine) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.recognizer == nil {
		return fmt.Errorf("engine closed")
	}
	v.recognizer.Reset()
	return nil
}

// Close releases resources
func (v *VoskEngine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.recognizer != nil {
		v.recognizer.Free()
		v.recognizer = nil
	}
	return nil
}

func parseFinal(raw string) (*Result, error) {
	var vr voskResult
	if err := json.Unmarshal([]byte(raw), &vr); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &Result{
		Text:       vr.Text,
		Confidence: calculateAverageConfidence(vr),
	}, nil
}

func parsePartial(raw string) (*Result, error) {
	var vr voskResult
	if err := json.Unmarshal([]byte(raw), &vr); err != nil {
		return nil, fmt.Errorf("failed to parse partial result: %w", err)
	}
	return &Result{Text: vr.Partial, Partial: true}, nil
}

// calculateAverageConfidence calculates the average confidence from word results
func calculateAverageConfidence(result voskResult) float64 {
	if len(result.Result) == 0 {
		return 0.0
	}

	var sum float64
	for _, word := range result.Result {
		sum += word.Conf
	}
	return sum / float64(len(result.Result))
}
