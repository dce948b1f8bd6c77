package mcp

import (
	"context"
	"log/slog"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/models"
	"github.com/emmett/parlo/internal/observability"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
	"github.com/emmett/parlo/internal/stt"
)

type Config struct {
	ServerName    string
	ServerVersion string
	LearnerID     string
	SampleRate    uint32
	VAD           audio.VADConfig
}

// Options holds the collaborators of the MCP server. Store and Engine are
// optional; without them the model and recording tools report errors.
type Options struct {
	Catalog *curriculum.Catalog
	Store   *models.Store
	Engine  stt.EngineFactory
	Scorer  practice.Scorer
	Sink    progress.Sink
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server exposes lessons, scoring and role-play conversations as MCP tools
type Server struct {
	config      Config
	catalog     *curriculum.Catalog
	store       *models.Store
	scorer      practice.Scorer
	sink        progress.Sink
	metrics     *observability.Metrics
	logger      *slog.Logger
	transcriber *TranscriptionService
	mcpServer   *sdk.Server

	mu            sync.Mutex
	conversations map[string]*flow.Orchestrator
}

func NewServer(cfg Config, opts Options) *Server {
	if opts.Scorer == nil {
		opts.Scorer = practice.NewSimulatedScorer(0)
	}
	if opts.Sink == nil {
		opts.Sink = progress.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		config:        cfg,
		catalog:       opts.Catalog,
		store:         opts.Store,
		scorer:        opts.Scorer,
		sink:          opts.Sink,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		transcriber:   NewTranscriptionService(opts.Engine, opts.Scorer, cfg.VAD, cfg.SampleRate),
		conversations: make(map[string]*flow.Orchestrator),
	}

	s.mcpServer = sdk.NewServer(&sdk.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout until ctx is done or the client leaves
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &sdk.StdioTransport{})
}

// Connect serves one client over an arbitrary transport
func (s *Server) Connect(ctx context.Context, transport sdk.Transport) (*sdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, transport, nil)
}

// Shutdown discards every open conversation
func (s *Server) Shutdown() {
	s.mu.Lock()
	convos := s.conversations
	s.conversations = make(map[string]*flow.Orchestrator)
	s.mu.Unlock()

	for _, o := range convos {
		o.Close()
	}
	s.metrics.ConversationsActive.Set(0)
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "list_lessons",
		Description: "List the practice lessons in the curriculum",
	}, s.handleListLessons)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "score_attempt",
		Description: "Score a transcript against the phrase the learner was asked to say",
	}, s.handleScoreAttempt)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "score_recording",
		Description: "Transcribe 16kHz mono 16-bit PCM with the offline model and score it against a target phrase",
	}, s.handleScoreRecording)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "start_conversation",
		Description: "Start a scripted role-play from a roleplay lesson",
	}, s.handleStartConversation)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "conversation_turn",
		Description: "Reply to the counterpart in a role-play and get their next line",
	}, s.handleConversationTurn)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "end_conversation",
		Description: "Discard a role-play conversation",
	}, s.handleEndConversation)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "list_models",
		Description: "List the offline speech models and which are installed",
	}, s.handleListModels)
}
