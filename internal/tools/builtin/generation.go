// Package builtin provides the tool executors shipped with the service:
// generation tools that drive the task state machine, the client-push
// variant that waits on a result callback, and a few synchronous utilities.
package builtin

import (
	"context"
	"fmt"
	"time"

	"atelier/internal/agent/turn"
	"atelier/internal/config"
	"atelier/internal/logging"
	"atelier/internal/task"
	"atelier/internal/tools"
)

// BackendFactory creates the step backend for one task run. The inline
// factory returns fresh in-process backends; the durable one scopes Redis
// checkpoints to the task id.
type BackendFactory func(taskID string) task.Backend

// Service holds the collaborators every generation tool shares.
type Service struct {
	store    task.Store
	machine  *task.Machine
	backends BackendFactory
	catalog  *config.Catalog
	logger   logging.Logger
}

// NewService wires the generation tool collaborators.
func NewService(store task.Store, machine *task.Machine, backends BackendFactory, catalog *config.Catalog, logger logging.Logger) *Service {
	return &Service{
		store:    store,
		machine:  machine,
		backends: backends,
		catalog:  catalog,
		logger:   logging.OrNop(logger),
	}
}

// Register installs every builtin tool on the registry.
func Register(registry *tools.Registry, svc *Service) {
	for _, kind := range []string{"image", "video", "audio", "music"} {
		registry.Register(svc.generationTool(kind))
	}
	registry.Register(svc.clientPushTool())
	registry.Register(ThinkTool())
	registry.Register(NoteReadTool())
	registry.Register(NoteWriteTool())
}

// generationKindDescriptions feed the model-facing tool descriptions.
var generationKindDescriptions = map[string]string{
	"image": "Generate one or more images from a text prompt.",
	"video": "Generate a video clip from a text prompt, optionally animating a reference image.",
	"audio": "Synthesize speech audio from text.",
	"music": "Compose a music clip from a text prompt.",
}

func (s *Service) generationTool(kind string) tools.Executor {
	props := map[string]tools.Property{
		"prompt": {Type: "string", Description: "What to generate."},
		"model":  {Type: "string", Description: "Catalog model name to generate with."},
		"n":      {Type: "integer", Description: "Number of artifacts to produce (default 1)."},
	}
	switch kind {
	case "video", "audio", "music":
		props["duration"] = tools.Property{Type: "number", Description: "Target length in seconds."}
	}
	if kind == "video" || kind == "image" {
		props["reference"] = tools.Property{Type: "string", Description: "Optional storage:// reference to a source artifact."}
	}

	def := tools.ToolDefinition{
		Name:        "generate_" + kind,
		Description: generationKindDescriptions[kind],
		Category:    tools.CategoryGeneration,
		Parameters: tools.ParameterSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"prompt", "model"},
		},
	}

	return tools.NewValidated(def, func(ctx context.Context, call tools.ToolCall, tc *turn.Context) (*tools.ToolResult, error) {
		return s.generate(ctx, call, tc, kind)
	})
}

// generate runs the full submit → poll → terminal pipeline for one call and
// reports the terminal state as the tool result.
func (s *Service) generate(ctx context.Context, call tools.ToolCall, tc *turn.Context, kind string) (*tools.ToolResult, error) {
	model, _ := call.Arguments["model"].(string)
	spec, err := s.catalog.Lookup(model)
	if err != nil {
		return tools.Failure(call, "%v", err), nil
	}
	if spec.Kind != kind {
		return tools.Failure(call, "model %q generates %s, not %s", model, spec.Kind, kind), nil
	}

	t, backend, err := s.createTask(ctx, tc, spec, model, call.Arguments)
	if err != nil {
		return nil, err
	}

	if err := s.machine.Submit(ctx, backend, t); err != nil {
		return tools.Failure(call, "submission failed: %v", err), nil
	}

	final, err := s.machine.Run(ctx, backend, t.ID, task.RunOptions{
		Timeout:    spec.Timeout,
		RetryDelay: spec.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("run task %s: %w", t.ID, err)
	}
	return resultFor(call, final), nil
}

func (s *Service) createTask(ctx context.Context, tc *turn.Context, spec config.ModelSpec, model string, args map[string]any) (*task.Task, task.Backend, error) {
	t := task.New(tc.OrganizationID, spec.Provider, model, args)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("create task record: %w", err)
	}
	s.logger.Info("task %s created for org %s model %s", t.ID, tc.OrganizationID, model)
	return t, s.backends(t.ID), nil
}

// resultFor maps a terminal task onto the uniform tool result.
func resultFor(call tools.ToolCall, t *task.Task) *tools.ToolResult {
	if t.Status != task.StatusCompleted {
		msg := t.Error
		if msg == "" {
			msg = "generation did not complete"
		}
		result := tools.Failure(call, "%s", msg)
		result.Data = map[string]any{"task_id": t.ID}
		return result
	}

	keys := make([]any, 0, len(t.Results))
	for _, item := range t.Results {
		keys = append(keys, "storage://"+item.StorageKey)
	}
	return tools.Succeed(call, map[string]any{
		"task_id": t.ID,
		"results": keys,
	}, fmt.Sprintf("generated %d artifact(s)", len(keys)))
}

// clientPushTimeout bounds how long a turn waits for a client-side
// generation to report back.
const clientPushTimeout = 10 * time.Minute

// clientPushTool submits work that executes remotely (in the client's own
// runtime) and suspends on the task's result channel instead of polling.
// The remote side reports back through the task event callback, which wakes
// the waiter.
func (s *Service) clientPushTool() tools.Executor {
	def := tools.ToolDefinition{
		Name:        "client_generate",
		Description: "Generate on the caller's device and wait for it to report the result back.",
		Category:    tools.CategoryGeneration,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"prompt": {Type: "string", Description: "What to generate."},
				"model":  {Type: "string", Description: "Catalog model name to generate with."},
			},
			Required: []string{"prompt", "model"},
		},
	}

	return tools.NewValidated(def, func(ctx context.Context, call tools.ToolCall, tc *turn.Context) (*tools.ToolResult, error) {
		model, _ := call.Arguments["model"].(string)
		spec, err := s.catalog.Lookup(model)
		if err != nil {
			return tools.Failure(call, "%v", err), nil
		}

		t, backend, err := s.createTask(ctx, tc, spec, model, call.Arguments)
		if err != nil {
			return nil, err
		}
		if err := s.machine.Submit(ctx, backend, t); err != nil {
			return tools.Failure(call, "submission failed: %v", err), nil
		}

		timeout := spec.Timeout
		if timeout <= 0 || timeout > clientPushTimeout {
			timeout = clientPushTimeout
		}
		final, err := s.machine.AwaitResult(ctx, backend, t.ID, timeout)
		if err != nil {
			return tools.Failure(call, "no result from client: %v", err), nil
		}
		return resultFor(call, final), nil
	})
}
