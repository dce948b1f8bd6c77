package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/models"
	"github.com/emmett/parlo/internal/practice"
)

const maxConversations = 64

// ErrUnknownConversation is returned for ids that are not open
var ErrUnknownConversation = errors.New("unknown conversation")

func summarize(l *curriculum.Lesson) LessonSummary {
	steps := len(l.Items)
	if l.Kind == curriculum.KindRoleplay {
		steps = len(l.Prompts)
	}
	return LessonSummary{
		ID:       l.ID,
		Title:    l.Title,
		Section:  l.Section,
		Language: l.Language,
		Kind:     string(l.Kind),
		Steps:    steps,
	}
}

func (s *Server) handleListLessons(ctx context.Context, req *sdk.CallToolRequest, args ListLessonsArgs) (*sdk.CallToolResult, ListLessonsResult, error) {
	result := ListLessonsResult{Lessons: []LessonSummary{}}
	for _, l := range s.catalog.Lessons() {
		if args.Section != "" && !strings.EqualFold(l.Section, args.Section) {
			continue
		}
		result.Lessons = append(result.Lessons, summarize(l))
	}
	return nil, result, nil
}

func (s *Server) handleScoreAttempt(ctx context.Context, req *sdk.CallToolRequest, args ScoreAttemptArgs) (*sdk.CallToolResult, ScoreResult, error) {
	if strings.TrimSpace(args.Target) == "" {
		return nil, ScoreResult{}, errors.New("target is required")
	}
	feedback, err := s.scorer.Score(ctx, practice.Attempt{Target: args.Target, Transcript: args.Transcript})
	if err != nil {
		return nil, ScoreResult{}, fmt.Errorf("scoring failed: %w", err)
	}
	return nil, ScoreResult{
		Transcript:  args.Transcript,
		SpeechHeard: strings.TrimSpace(args.Transcript) != "",
		Feedback:    feedback,
	}, nil
}

func (s *Server) handleScoreRecording(ctx context.Context, req *sdk.CallToolRequest, args ScoreRecordingArgs) (*sdk.CallToolResult, ScoreResult, error) {
	result, err := s.transcriber.ScoreRecording(ctx, args)
	if err != nil {
		s.logger.Warn("recording could not be scored", "error", err)
		return nil, ScoreResult{}, err
	}
	return nil, result, nil
}

func (s *Server) handleStartConversation(ctx context.Context, req *sdk.CallToolRequest, args StartConversationArgs) (*sdk.CallToolResult, ConversationResult, error) {
	lesson, err := s.catalog.Lesson(args.LessonID)
	if err != nil {
		return nil, ConversationResult{}, err
	}
	o, err := flow.NewOrchestrator(lesson, flow.Options{
		Sink:      s.sink,
		LearnerID: s.config.LearnerID,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, ConversationResult{}, err
	}
	o.Begin()

	id := uuid.NewString()
	s.mu.Lock()
	if len(s.conversations) >= maxConversations {
		s.mu.Unlock()
		o.Close()
		return nil, ConversationResult{}, fmt.Errorf("too many open conversations (max %d)", maxConversations)
	}
	s.conversations[id] = o
	s.mu.Unlock()
	s.metrics.ConversationsActive.Inc()

	s.logger.Info("conversation started", "conversation_id", id, "lesson_id", lesson.ID)
	return nil, s.conversationResult(id, o), nil
}

func (s *Server) handleConversationTurn(ctx context.Context, req *sdk.CallToolRequest, args ConversationTurnArgs) (*sdk.CallToolResult, ConversationResult, error) {
	s.mu.Lock()
	o, ok := s.conversations[args.ConversationID]
	s.mu.Unlock()
	if !ok {
		return nil, ConversationResult{}, fmt.Errorf("%w: %s", ErrUnknownConversation, args.ConversationID)
	}
	if strings.TrimSpace(args.Reply) == "" {
		return nil, ConversationResult{}, errors.New("reply is required")
	}
	if !o.Respond(args.Reply) {
		return nil, ConversationResult{}, fmt.Errorf("%w: conversation is complete", practice.ErrInvalidState)
	}

	result := s.conversationResult(args.ConversationID, o)
	if result.Complete {
		s.remove(args.ConversationID)
	}
	return nil, result, nil
}

func (s *Server) handleEndConversation(ctx context.Context, req *sdk.CallToolRequest, args EndConversationArgs) (*sdk.CallToolResult, EndConversationResult, error) {
	return nil, EndConversationResult{Ended: s.remove(args.ConversationID)}, nil
}

func (s *Server) remove(id string) bool {
	s.mu.Lock()
	o, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	o.Close()
	s.metrics.ConversationsActive.Dec()
	return true
}

func (s *Server) conversationResult(id string, o *flow.Orchestrator) ConversationResult {
	result := ConversationResult{
		ConversationID: id,
		LessonID:       o.Lesson().ID,
		History:        o.History(),
		Complete:       o.Complete(),
	}
	if prompt, ok := o.CurrentPrompt(); ok {
		result.Instruction = prompt.Instruction
		result.Suggested = prompt.Suggested
	}
	return result
}

func (s *Server) handleListModels(ctx context.Context, req *sdk.CallToolRequest, args ListModelsArgs) (*sdk.CallToolResult, ListModelsResult, error) {
	if s.store == nil {
		return nil, ListModelsResult{}, errors.New("model store not configured")
	}
	def, err := s.store.Default()
	if err != nil {
		s.logger.Warn("failed to read default model", "error", err)
	}

	result := ListModelsResult{Models: make([]ModelInfo, 0, len(models.Catalog))}
	for _, m := range models.Catalog {
		installed, err := s.store.Installed(m.Name)
		if err != nil {
			return nil, ListModelsResult{}, fmt.Errorf("failed to check model %s: %w", m.Name, err)
		}
		result.Models = append(result.Models, ModelInfo{
			Name:        m.Name,
			Language:    m.Language,
			Size:        m.Size,
			Description: m.Description,
			Installed:   installed,
			Default:     m.Name == def,
		})
	}
	return nil, result, nil
}
