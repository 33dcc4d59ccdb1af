package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/converter"
	"github.com/ashwinyue/next-redteam/internal/service/orchestrator"
	"github.com/ashwinyue/next-redteam/internal/service/score"
	"github.com/ashwinyue/next-redteam/internal/service/target"
)

// ConverterSpec 按名称描述一个转换器，Arg 为可选参数
type ConverterSpec struct {
	Name string `json:"name" binding:"required"`
	Arg  string `json:"arg,omitempty"`
}

// DefaultScaleThreshold scale 评分未指定阈值时使用
const DefaultScaleThreshold = 0.5

// ScorerSpec 按类型描述一个评分器
type ScorerSpec struct {
	// Type: substring, regex, refusal, objective, scale
	Type     string `json:"type" binding:"required"`
	Value    string `json:"value,omitempty"`
	Category string `json:"category,omitempty"`
	// Threshold 仅 scale 使用，把分值映射为 true_false；未设置时为 DefaultScaleThreshold，显式 0 保留
	Threshold *float64 `json:"threshold,omitempty"`
	Invert    bool     `json:"invert,omitempty"`
}

// PromptSendingRequest 单轮批量发送
type PromptSendingRequest struct {
	Objectives []string          `json:"objectives" binding:"required,min=1"`
	Converters []ConverterSpec   `json:"converters,omitempty"`
	Scorer     *ScorerSpec       `json:"scorer,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	BatchSize  int               `json:"batch_size,omitempty"`
}

// RedTeamingRequest 多轮攻击
type RedTeamingRequest struct {
	Objective          string            `json:"objective" binding:"required"`
	Converters         []ConverterSpec   `json:"converters,omitempty"`
	Scorer             *ScorerSpec       `json:"scorer,omitempty"`
	DisableBacktrack   bool              `json:"disable_backtrack,omitempty"`
	UseScoreAsFeedback bool              `json:"use_score_as_feedback,omitempty"`
	SystemPrompt       string            `json:"system_prompt,omitempty"`
	MaxTurns           int               `json:"max_turns,omitempty"`
	MaxBacktracks      *int              `json:"max_backtracks,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
}

// ChatTarget 以共享模型创建命名对话目标
func (s *Services) ChatTarget(name string) (*target.ChatModelTarget, error) {
	if s.ChatModel == nil {
		return nil, apperr.BadRequest("chat target", "no chat model is configured")
	}
	return target.NewChatModelTarget(&target.ChatModelConfig{
		Name:              name,
		Model:             s.ChatModel,
		Memory:            s.Memory,
		RequestsPerMinute: s.Config.Target.RequestsPerMinute,
		SupportsJSON:      s.Config.Target.SupportsJSON,
		Callbacks:         s.Callbacks,
		Logger:            s.Logger,
		Metrics:           s.Metrics,
	})
}

// BuildConverters 按顺序串联成一个转换配置，空列表返回 nil
func (s *Services) BuildConverters(specs []ConverterSpec) ([]*converter.Configuration, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	convs := make([]converter.Converter, 0, len(specs))
	for _, spec := range specs {
		c, err := s.buildConverter(spec)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return []*converter.Configuration{converter.NewConfiguration(convs...)}, nil
}

func (s *Services) buildConverter(spec ConverterSpec) (converter.Converter, error) {
	const op = "build converter"
	switch strings.ToLower(spec.Name) {
	case "noop":
		return converter.NewNoOp(), nil
	case "base64":
		return converter.NewBase64(), nil
	case "rot13":
		return converter.NewROT13(), nil
	case "atbash":
		return converter.NewAtbash(), nil
	case "leetspeak":
		return converter.NewLeetspeak(), nil
	case "flip":
		return converter.NewFlip(), nil
	case "character_space":
		return converter.NewCharacterSpace(), nil
	case "morse":
		return converter.NewMorse(), nil
	case "string_join":
		return converter.NewStringJoin(spec.Arg), nil
	case "suffix":
		return converter.NewSuffix(spec.Arg), nil
	case "caesar":
		n, err := intArg(op, spec, 3)
		if err != nil {
			return nil, err
		}
		return converter.NewCaesar(n)
	case "binary":
		n, err := intArg(op, spec, 16)
		if err != nil {
			return nil, err
		}
		return converter.NewBinary(n)
	case "random_capital_letters":
		pct := 25.0
		if spec.Arg != "" {
			v, err := strconv.ParseFloat(spec.Arg, 64)
			if err != nil {
				return nil, apperr.BadRequest(op, "%s expects a percentage argument, got %q", spec.Name, spec.Arg)
			}
			pct = v
		}
		return converter.NewRandomCapitalLetters(pct, time.Now().UnixNano())
	case "search_replace":
		// arg 形如 "pattern=>replacement"
		pattern, replacement, ok := strings.Cut(spec.Arg, "=>")
		if !ok || pattern == "" {
			return nil, apperr.BadRequest(op, "search_replace expects \"pattern=>replacement\", got %q", spec.Arg)
		}
		return converter.NewSearchReplace(pattern, replacement)
	case "text_image":
		return converter.NewTextImage(&converter.TextImageConfig{Storage: s.Storage})
	case "tone", "translation", "variation", "persuasion":
	default:
		return nil, apperr.BadRequest(op, "unknown converter %q", spec.Name)
	}

	chat, err := s.ChatTarget("converter")
	if err != nil {
		return nil, err
	}
	var llm *converter.LLMConverter
	switch strings.ToLower(spec.Name) {
	case "tone":
		llm, err = converter.NewTone(chat, spec.Arg)
	case "translation":
		llm, err = converter.NewTranslation(chat, spec.Arg)
	case "variation":
		llm, err = converter.NewVariation(chat)
	default:
		llm, err = converter.NewPersuasion(chat, converter.PersuasionTechnique(spec.Arg))
	}
	if err != nil {
		return nil, err
	}
	return llm.WithSendPolicy(s.TargetRetry), nil
}

func intArg(op string, spec ConverterSpec, def int) (int, error) {
	if spec.Arg == "" {
		return def, nil
	}
	n, err := strconv.Atoi(spec.Arg)
	if err != nil {
		return 0, apperr.BadRequest(op, "%s expects an integer argument, got %q", spec.Name, spec.Arg)
	}
	return n, nil
}

// BuildScorer 创建 true_false 评分器；scale 类型必须配合阈值使用
func (s *Services) BuildScorer(spec *ScorerSpec) (score.Scorer, error) {
	const op = "build scorer"
	if spec == nil {
		return nil, apperr.BadRequest(op, "scorer spec is required")
	}
	opts := []score.Option{score.WithMetrics(s.Metrics), score.WithSendPolicy(s.TargetRetry)}

	var sc score.Scorer
	var err error
	switch strings.ToLower(spec.Type) {
	case "substring":
		sc, err = score.NewSubString(s.Memory, spec.Value, spec.Category, opts...)
	case "regex":
		sc, err = score.NewRegex(s.Memory, spec.Value, spec.Category, opts...)
	case "refusal", "objective", "scale":
		chat, cerr := s.ChatTarget("scorer")
		if cerr != nil {
			return nil, cerr
		}
		sc, err = s.buildSelfAsk(chat, spec, opts)
	default:
		return nil, apperr.BadRequest(op, "unknown scorer type %q", spec.Type)
	}
	if err != nil {
		return nil, err
	}
	if spec.Invert {
		return score.NewInverter(s.Memory, sc, opts...)
	}
	return sc, nil
}

func (s *Services) buildSelfAsk(chat target.ChatTarget, spec *ScorerSpec, opts []score.Option) (score.Scorer, error) {
	switch strings.ToLower(spec.Type) {
	case "refusal":
		return score.NewRefusalScorer(s.Memory, chat, opts...)
	case "objective":
		return score.NewObjectiveScorer(s.Memory, chat, opts...)
	default:
		scale, err := score.NewSelfAskScale(s.Memory, chat, score.ScaleConfig{Category: spec.Category, Criteria: spec.Value}, opts...)
		if err != nil {
			return nil, err
		}
		threshold := DefaultScaleThreshold
		if spec.Threshold != nil {
			threshold = *spec.Threshold
		}
		return score.NewThreshold(s.Memory, scale, threshold, opts...)
	}
}

func (s *Services) orchestratorConfig(labels map[string]string, batchSize int) orchestrator.Config {
	if batchSize <= 0 {
		batchSize = s.Config.Attack.BatchSize
	}
	return orchestrator.Config{
		Memory:      s.Memory,
		Normalizer:  s.Normalizer,
		Checkpoints: s.Checkpoints,
		Logger:      s.Logger,
		Metrics:     s.Metrics,
		Labels:      labels,
		BatchSize:   batchSize,
	}
}

// NewPromptSending 按请求创建单轮编排器，目标为共享模型
func (s *Services) NewPromptSending(req *PromptSendingRequest) (*orchestrator.PromptSendingOrchestrator, error) {
	tgt, err := s.ChatTarget("objective")
	if err != nil {
		return nil, err
	}
	convs, err := s.BuildConverters(req.Converters)
	if err != nil {
		return nil, err
	}
	var scorer score.Scorer
	if req.Scorer != nil {
		if scorer, err = s.BuildScorer(req.Scorer); err != nil {
			return nil, err
		}
	}
	return orchestrator.NewPromptSending(&orchestrator.PromptSendingConfig{
		Config:            s.orchestratorConfig(req.Labels, req.BatchSize),
		Target:            tgt,
		RequestConverters: convs,
		ObjectiveScorer:   scorer,
	})
}

// NewRedTeaming 按请求创建多轮编排器
// 未指定评分器时使用 objective 自评；除非关闭回溯，否则启用拒绝评分
func (s *Services) NewRedTeaming(req *RedTeamingRequest) (*orchestrator.RedTeamingOrchestrator, error) {
	objective, err := s.ChatTarget("objective")
	if err != nil {
		return nil, err
	}
	adversarial, err := s.ChatTarget("adversarial")
	if err != nil {
		return nil, err
	}
	convs, err := s.BuildConverters(req.Converters)
	if err != nil {
		return nil, err
	}

	spec := req.Scorer
	if spec == nil {
		spec = &ScorerSpec{Type: "objective"}
	}
	scorer, err := s.BuildScorer(spec)
	if err != nil {
		return nil, err
	}
	var refusal score.Scorer
	if !req.DisableBacktrack {
		if refusal, err = s.BuildScorer(&ScorerSpec{Type: "refusal"}); err != nil {
			return nil, err
		}
	}

	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = s.Config.Attack.MaxTurns
	}
	maxBacktracks := s.Config.Attack.MaxBacktracks
	if req.MaxBacktracks != nil {
		maxBacktracks = *req.MaxBacktracks
	}

	return orchestrator.NewRedTeaming(&orchestrator.RedTeamingConfig{
		Config:                  s.orchestratorConfig(req.Labels, 1),
		ObjectiveTarget:         objective,
		AdversarialChat:         adversarial,
		ObjectiveScorer:         scorer,
		RefusalScorer:           refusal,
		AdversarialSystemPrompt: req.SystemPrompt,
		RequestConverters:       convs,
		UseScoreAsFeedback:      req.UseScoreAsFeedback,
		MaxTurns:                maxTurns,
		MaxBacktracks:           maxBacktracks,
	})
}

// ImportSeeds 解析 YAML 数据集并写入记忆
func (s *Services) ImportSeeds(ctx context.Context, data []byte, addedBy string) (*model.SeedPromptDataset, error) {
	ds, err := model.ParseSeedDataset(data)
	if err != nil {
		return nil, err
	}
	if err := s.Memory.AddSeedPrompts(ctx, ds.Prompts, addedBy); err != nil {
		return nil, err
	}
	return ds, nil
}
