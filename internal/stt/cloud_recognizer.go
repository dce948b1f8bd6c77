package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/emmett/parlo/internal/audio"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const speechAPIEndpointPort = 443

// CloudConfig configures the Google Cloud Speech v2 backend
type CloudConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
	SampleRate      int
}

// CloudRecognizer streams PCM from a Feed to Cloud Speech with interim results
type CloudRecognizer struct {
	config CloudConfig
	feed   Feed
	logger *slog.Logger
}

// NewCloudRecognizer creates a cloud recognizer
func NewCloudRecognizer(config CloudConfig, feed Feed, logger *slog.Logger) *CloudRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	config.Location = strings.TrimSpace(config.Location)
	if config.Location == "" {
		config.Location = "global"
	}
	config.Model = strings.TrimSpace(config.Model)
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	return &CloudRecognizer{config: config, feed: feed, logger: logger}
}

// Start opens a streaming recognition call
func (r *CloudRecognizer) Start(ctx context.Context, listener Listener) (Session, error) {
	if r.config.ProjectID == "" || r.feed == nil {
		return nil, fmt.Errorf("%w: cloud speech project not configured", ErrUnsupportedPlatform)
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(r.config.CredentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, &RecognitionError{Code: CodeNotAllowed, Err: fmt.Errorf("detect credentials: %w", err)}
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if r.config.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", r.config.Location, speechAPIEndpointPort)))
	}

	sessCtx, cancel := context.WithCancel(ctx)
	client, err := speech.NewClient(sessCtx, opts...)
	if err != nil {
		cancel()
		return nil, &RecognitionError{Code: CodeNetwork, Err: err}
	}
	stream, err := client.StreamingRecognize(sessCtx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, &RecognitionError{Code: classifyStreamError(err), Err: err}
	}
	if err := stream.Send(r.streamingConfig()); err != nil {
		cancel()
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, &RecognitionError{Code: classifyStreamError(err), Err: err}
	}

	samples, unsubscribe := r.feed.Subscribe()
	s := &cloudSession{
		stream:   stream,
		listener: listener,
		logger:   r.logger,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		cleanup: func() {
			unsubscribe()
			if err := client.Close(); err != nil {
				r.logger.Warn("failed to close speech client", "error", err)
			}
		},
	}
	r.logger.Info("cloud speech stream initialized", "location", r.config.Location, "language", r.config.Language, "model", r.config.Model)

	go s.send(samples)
	go s.receive()
	return s, nil
}

func (r *CloudRecognizer) streamingConfig() *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", r.config.ProjectID, r.config.Location),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         r.config.Model,
					LanguageCodes: []string{r.config.Language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(r.config.SampleRate),
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	}
}

type cloudSession struct {
	stream   speechpb.Speech_StreamingRecognizeClient
	listener Listener
	logger   *slog.Logger
	cancel   context.CancelFunc
	cleanup  func()

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (s *cloudSession) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *cloudSession) send(samples <-chan audio.AudioSample) {
	defer func() {
		if err := s.stream.CloseSend(); err != nil {
			s.logger.Debug("close send failed", "error", err)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: sample.Data},
			})
			if err != nil {
				// The receive loop observes the same failure
				return
			}
		}
	}
}

func (s *cloudSession) receive() {
	defer func() {
		s.cancel()
		s.cleanup()
		s.listener.OnEnd()
	}()
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			code, ended := classifyRecvError(err)
			if ended {
				s.logger.Info("cloud speech stream ended", "reason", err.Error())
				return
			}
			s.listener.OnError(&RecognitionError{Code: code, Err: err})
			return
		}
		if hyps := toHypotheses(resp); len(hyps) > 0 {
			s.listener.OnResults(hyps)
		}
	}
}

func toHypotheses(resp *speechpb.StreamingRecognizeResponse) []Hypothesis {
	var out []Hypothesis
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		out = append(out, Hypothesis{
			Text:       strings.TrimSpace(alts[0].GetTranscript()),
			Final:      result.GetIsFinal(),
			Confidence: float64(alts[0].GetConfidence()),
		})
	}
	return out
}

// classifyRecvError maps a receive error to a fault code, or reports that the
// stream simply ended (EOF, service duration limit).
func classifyRecvError(err error) (ErrorCode, bool) {
	if errors.Is(err, io.EOF) {
		return "", true
	}
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.Aborted {
		msg := strings.ToLower(st.Message())
		if strings.Contains(msg, "max duration") ||
			strings.Contains(msg, "stream timed out after receiving no more client requests") {
			return "", true
		}
	}
	return classifyStreamError(err), false
}

func classifyStreamError(err error) ErrorCode {
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}
	st, ok := status.FromError(err)
	if !ok {
		return CodeOther
	}
	switch st.Code() {
	case codes.Canceled:
		return CodeAborted
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return CodeNetwork
	case codes.PermissionDenied, codes.Unauthenticated:
		return CodeNotAllowed
	default:
		return CodeOther
	}
}
