package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/infra/provider"
	"github.com/vietddude/aiguard/internal/orchestrator"
	"github.com/vietddude/aiguard/internal/partial"
)

// sectionConcurrency bounds provider calls for one multi-section request.
const sectionConcurrency = 3

// Request is one unit of AI work. It is also the DLQ payload, so a queued
// request can be replayed as-is.
type Request struct {
	Principal  string               `json:"principal"`
	Plan       domain.Plan          `json:"plan"`
	Operation  domain.OperationType `json:"operation"`
	Model      string               `json:"model,omitempty"`
	System     string               `json:"system,omitempty"`
	Prompt     string               `json:"prompt"`
	SourceData string               `json:"source_data,omitempty"`
	SubjectID  string               `json:"subject_id,omitempty"`
}

func (r Request) validate() error {
	var missing []string
	if r.Principal == "" {
		missing = append(missing, "principal")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return domain.NewError(domain.CategoryValidation, strings.Join(missing, ", ")+" required", nil)
	}
	return nil
}

// Section is one independently processed part of a SectionsRequest.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SectionsRequest applies one instruction to several sections. Sections that
// fail keep their original content.
type SectionsRequest struct {
	Request
	Sections []Section `json:"sections"`
}

// Service runs requests through the orchestrator and queues failures.
type Service struct {
	orch    *orchestrator.Orchestrator
	gen     provider.Generator
	queue   *dlq.Queue
	breaker string
	log     *slog.Logger
}

// NewService creates a service. queue may be nil to disable capture. Calls
// run in the breaker named after the generator when it reports a name.
func NewService(orch *orchestrator.Orchestrator, gen provider.Generator, queue *dlq.Queue) *Service {
	s := &Service{orch: orch, gen: gen, queue: queue, breaker: orchestrator.DefaultBreaker, log: slog.Default()}
	if named, ok := gen.(interface{ Name() string }); ok && named.Name() != "" {
		s.breaker = named.Name()
	}
	return s
}

// Submit executes req. On a queueable failure the request is added to the
// DLQ and the returned entry is non-nil.
func (s *Service) Submit(ctx context.Context, req Request) (*orchestrator.Result, *domain.DLQEntry, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	if req.Operation == "" {
		req.Operation = domain.OpGenerate
	}

	res, err := s.execute(ctx, req)
	if err == nil {
		return res, nil, nil
	}
	return nil, s.capture(ctx, err, req), err
}

func (s *Service) execute(ctx context.Context, req Request) (*orchestrator.Result, error) {
	call := func(ctx context.Context) (*domain.Generation, error) {
		return s.gen.Generate(ctx, req.Prompt, provider.GenerateOptions{
			Model:  req.Model,
			System: req.System,
		})
	}
	return s.orch.Execute(ctx, call, orchestrator.Options{
		Principal:           req.Principal,
		Plan:                req.Plan,
		OperationType:       req.Operation,
		Model:               req.Model,
		ValidateOutput:      true,
		DetectHallucination: req.SourceData != "",
		SourceData:          req.SourceData,
		Breaker:             s.breaker,
	})
}

func (s *Service) capture(ctx context.Context, err error, req Request) *domain.DLQEntry {
	if s.queue == nil {
		return nil
	}
	op, ok := orchestrator.Capture(err, req.SubjectID, req)
	if !ok {
		return nil
	}
	entry, addErr := s.queue.Add(ctx, op)
	if addErr != nil {
		s.log.Error("Failed to queue operation", "principal", req.Principal, "operation", req.Operation, "err", addErr)
		return nil
	}
	return entry
}

// SubmitSections processes every section concurrently. Each section is its
// own orchestrated operation and is queued on its own when it fails.
func (s *Service) SubmitSections(ctx context.Context, req SectionsRequest) (*partial.Result, error) {
	if len(req.Sections) == 0 {
		return nil, domain.NewError(domain.CategoryValidation, "sections required", nil)
	}
	if req.Operation == "" {
		req.Operation = domain.OpTailor
	}

	base := make(map[string]any, len(req.Sections))
	units := make([]partial.Unit, 0, len(req.Sections))
	for _, sec := range req.Sections {
		base[sec.Name] = sec.Content
		sub := req.Request
		sub.Prompt = fmt.Sprintf("%s\n\n%s", req.Prompt, sec.Content)
		sub.SourceData = sec.Content
		if sub.SubjectID == "" {
			sub.SubjectID = sec.Name
		} else {
			sub.SubjectID += "/" + sec.Name
		}
		units = append(units, partial.Unit{
			Name: sec.Name,
			Run: func(ctx context.Context) (any, error) {
				res, _, err := s.Submit(ctx, sub)
				if err != nil {
					return nil, err
				}
				return res.Generation.Content, nil
			},
		})
	}

	return partial.Reconcile(base, partial.Run(ctx, units, sectionConcurrency))
}

// Handlers returns the DLQ replay handler for every operation type. Replays
// run through the orchestrator again but are never re-queued; the DLQ
// marks the entry FAILED instead.
func (s *Service) Handlers() map[domain.OperationType]dlq.Handler {
	handlers := make(map[domain.OperationType]dlq.Handler, len(domain.AllOperationTypes))
	for _, op := range domain.AllOperationTypes {
		handlers[op] = s.replay
	}
	return handlers
}

func (s *Service) replay(ctx context.Context, payload json.RawMessage) (any, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, domain.NewError(domain.CategoryValidation, "undecodable dlq payload", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	res, err := s.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Generation, nil
}
