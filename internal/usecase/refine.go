package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"refine-agent/internal/domain"
	"refine-agent/internal/exchange"
	"refine-agent/internal/integrations/paramstore"
	"refine-agent/internal/repository"
	"refine-agent/internal/workflow"
)

const (
	defaultMaxInstruction = 2000
	statusRateLimited     = 429
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.Message) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type RefineService struct {
	params            ParamGetter
	llm               LLMClient
	runs              RunStore
	paramPrefix       string
	maxInstructionLen int
	logger            *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	framings    exchange.Framings
	model       string
}

type RefineInput struct {
	Instruction string
	// MaxMessages overrides the termination threshold when set.
	MaxMessages *int
}

type RefineOutput struct {
	Answer   string
	RunID    string
	Messages []domain.Message
	States   []string
}

func NewRefineService(p ParamGetter, llm LLMClient, runs RunStore, paramPrefix string, maxInstructionLen int) (*RefineService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if runs == nil {
		return nil, errors.New("usecase: run store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxInstructionLen <= 0 {
		maxInstructionLen = defaultMaxInstruction
	}
	return &RefineService{
		params:            p,
		llm:               llm,
		runs:              runs,
		paramPrefix:       paramPrefix,
		maxInstructionLen: maxInstructionLen,
		logger:            slog.Default(),
	}, nil
}

// Refine runs one generate/reflect loop for the instruction and stores the
// resulting history.
func (s *RefineService) Refine(ctx context.Context, in RefineInput) (RefineOutput, error) {
	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" {
		return RefineOutput{}, newError(ErrorInvalidInput, "empty_instruction", nil)
	}
	if len(instruction) > s.maxInstructionLen {
		return RefineOutput{}, newError(ErrorInvalidInput, "instruction_too_long", nil)
	}
	threshold := workflow.DefaultThreshold
	if in.MaxMessages != nil {
		threshold = *in.MaxMessages
	}
	if !storableThreshold(threshold) {
		return RefineOutput{}, newError(ErrorInvalidInput, "invalid_max_messages", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	flagged, err := s.llm.Moderate(ctx, instruction)
	if err != nil {
		if isRateLimited(err) {
			return RefineOutput{}, newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return RefineOutput{}, newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return RefineOutput{}, newError(ErrorInvalidInstruction, "moderation_flagged", nil)
	}

	s.cacheMu.RLock()
	framings, model := s.framings, s.model
	s.cacheMu.RUnlock()

	generator, reflector, err := exchange.Pair(s.llm, model, framings)
	if err != nil {
		return RefineOutput{}, newError(ErrorInternal, "responder_config_error", err)
	}

	runID := newUUID()
	log := s.logger.With("run_id", runID)
	ctrl, err := workflow.New(generator, reflector,
		workflow.WithThreshold(threshold),
		workflow.WithLogger(log),
	)
	if err != nil {
		return RefineOutput{}, newError(ErrorInvalidInput, "invalid_max_messages", err)
	}

	res, runErr := ctrl.Run(ctx, instruction)
	run := domain.Run{
		ID:          runID,
		Instruction: instruction,
		Threshold:   threshold,
		Status:      domain.RunComplete,
		Messages:    res.History.Messages(),
		States:      stateLabels(res.States),
		CreatedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		state, _ := workflow.FailedState(runErr)
		run.Status = domain.RunFailed
		run.FailedState = state.String()
		// The caller's context may already be done; the diagnostic record is
		// still worth keeping.
		if err := s.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("failed to store failed run", "err", err)
		}
		return RefineOutput{}, stepError(state, runErr)
	}

	if err := s.runs.SaveRun(ctx, run); err != nil {
		return RefineOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	return RefineOutput{
		Answer:   res.Answer(),
		RunID:    runID,
		Messages: run.Messages,
		States:   run.States,
	}, nil
}

// GetRun loads a stored run.
func (s *RefineService) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, newError(ErrorInvalidInput, "empty_run_id", nil)
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return domain.Run{}, newError(ErrorNotFound, "run_not_found", err)
		}
		return domain.Run{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return run, nil
}

func (s *RefineService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	framings, model, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.framings = framings
	s.model = model
	s.cacheLoaded = true
	return nil
}

func (s *RefineService) loadSSMParams(ctx context.Context) (exchange.Framings, string, error) {
	genKey := s.paramPrefix + "/generation_prompt"
	reflKey := s.paramPrefix + "/reflection_prompt"
	modelKey := s.paramPrefix + "/config/openai_model"

	// The framings are optional overrides; only the model must exist.
	vals, err := s.params.GetParameters(ctx, genKey, reflKey, modelKey)
	var missing *paramstore.MissingError
	if errors.As(err, &missing) && !slices.Contains(missing.Names, modelKey) {
		s.logger.Info("using default framings", "missing", missing.Names)
		err = nil
	}
	if err != nil {
		return exchange.Framings{}, "", fmt.Errorf("usecase: load parameters: %w", err)
	}
	model := strings.TrimSpace(vals[modelKey])
	if model == "" {
		return exchange.Framings{}, "", errors.New("usecase: openai model parameter is empty")
	}
	return exchange.Framings{
		Generation: vals[genKey],
		Reflection: vals[reflKey],
	}.WithDefaults(), model, nil
}

// stepError maps a workflow failure to a coded error naming the state the run
// was in.
func stepError(state workflow.State, err error) *Error {
	if errors.Is(err, workflow.ErrEmptyInstruction) {
		return newError(ErrorInvalidInput, "empty_instruction", err)
	}
	if state == "" {
		state = workflow.StateGenerating
	}
	switch {
	case isRateLimited(err):
		return newError(ErrorRateLimited, state.String()+"_rate_limited", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorUpstream, state.String()+"_timeout", err)
	default:
		return newError(ErrorUpstream, state.String()+"_failed", err)
	}
}

// storableThreshold reports whether every run under threshold n fits the run
// store. A run stops at the first even length above n, so its history never
// exceeds n+2 messages.
func storableThreshold(n int) bool {
	return n >= 0 && n+2 <= repository.MaxRunMessages
}

func stateLabels(states []workflow.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = st.String()
	}
	return out
}

func isRateLimited(err error) bool {
	status, ok := upstreamStatusCode(err)
	return ok && status == statusRateLimited
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
