package route

import (
	"context"
	"fmt"

	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/transform"
	"github.com/caduceus-io/caduceus/types"
)

// RoutingResult is the audit record written to
// header.metadata.routing after evaluation.
type RoutingResult struct {
	MatchedRule string   `json:"matched_rule"`
	Actions     []string `json:"actions"`
}

// Router evaluates the rule set per envelope and dispatches actions.
// It publishes its own outputs, so its stage runs without an output
// queue.
type Router struct {
	rules       *RuleSet
	manager     *queue.Manager
	transformer *transform.Engine
	logger      *log.Logger
}

// NewRouter creates a routing processor.
func NewRouter(rules *RuleSet, m *queue.Manager, transformer *transform.Engine, logger *log.Logger) *Router {
	return &Router{
		rules:       rules,
		manager:     m,
		transformer: transformer,
		logger:      logger.WithStage("routing"),
	}
}

// Name identifies the router as a stage processor.
func (r *Router) Name() string { return "routing" }

// Process selects the first matching rule in priority order. Rules at
// the default-route priority are skipped during the first pass and fire
// only when nothing else matched. Evaluation is deterministic: same
// rules and envelope always select the same rule and action sequence.
func (r *Router) Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	rule := r.selectRule(env)
	if rule == nil {
		r.logger.Warn("no rule matched, dropping", map[string]any{
			"message_id":   env.Header.MessageID,
			"message_type": env.Header.MessageType,
		})
		return nil, nil
	}
	return nil, r.dispatch(ctx, env, rule)
}

func (r *Router) selectRule(env *types.Envelope) *Rule {
	var fallback *Rule
	for _, rule := range r.rules.Rules() {
		if !rule.enabled() {
			continue
		}
		if rule.Priority >= DefaultRoutePriority {
			if fallback == nil && rule.Matches(env) {
				fallback = rule
			}
			continue
		}
		if rule.Matches(env) {
			return rule
		}
	}
	return fallback
}

// dispatch runs the matched rule's actions in list order against the
// envelope, then records the routing result.
func (r *Router) dispatch(ctx context.Context, env *types.Envelope, rule *Rule) error {
	result := RoutingResult{MatchedRule: rule.Name}
	current := env

	for _, action := range rule.Actions {
		switch action.Type {
		case ActionForward:
			if err := r.forward(ctx, current, &result, action.Target); err != nil {
				return err
			}
		case ActionTransform:
			derived, err := r.applyTransform(current, action.Target)
			if err != nil {
				return err
			}
			current = derived
			result.Actions = append(result.Actions, fmt.Sprintf("transform:%s", action.Target))
		case ActionDrop:
			result.Actions = append(result.Actions, "drop")
			r.record(current, result)
			r.logger.Debug("dropped", map[string]any{
				"message_id": current.Header.MessageID,
				"rule":       rule.Name,
			})
			return nil
		case ActionLog:
			r.logAction(current, action)
			result.Actions = append(result.Actions, "log")
		}
	}

	r.record(current, result)
	return nil
}

func (r *Router) forward(ctx context.Context, env *types.Envelope, result *RoutingResult, target string) error {
	q, err := r.manager.Get(target)
	if err != nil {
		return types.NewError(types.KindRouting, "routing", err)
	}
	if env.Header.Status != types.StatusRouted {
		if err := env.Advance(types.StatusRouted); err != nil {
			return types.NewError(types.KindRouting, "routing", err)
		}
	}
	env.AddDestination(target)
	result.Actions = append(result.Actions, fmt.Sprintf("forward:%s", target))
	r.record(env, *result)

	// Queue publish failures are transient; let the stage retry.
	if err := q.Publish(ctx, env); err != nil {
		return types.NewError(types.KindTransport, "routing", err)
	}
	return nil
}

func (r *Router) applyTransform(env *types.Envelope, name string) (*types.Envelope, error) {
	rule, ok := r.transformer.Registry().Get(name)
	if !ok {
		return nil, types.Errorf(types.KindRouting, "routing",
			"transform action references unknown rule %q", name)
	}
	return r.transformer.Apply(env, rule)
}

func (r *Router) logAction(env *types.Envelope, action Action) {
	message, _ := action.Parameters["message"].(string)
	if message == "" {
		message = "routed"
	}
	fields := map[string]any{
		"message_id":   env.Header.MessageID,
		"message_type": env.Header.MessageType,
	}
	level, _ := action.Parameters["level"].(string)
	switch level {
	case "debug":
		r.logger.Debug(message, fields)
	case "warn":
		r.logger.Warn(message, fields)
	case "error":
		r.logger.Error(message, fields)
	default:
		r.logger.Info(message, fields)
	}
}

func (r *Router) record(env *types.Envelope, result RoutingResult) {
	env.SetMeta("routing", map[string]any{
		"matched_rule": result.MatchedRule,
		"actions":      append([]string(nil), result.Actions...),
	})
}
