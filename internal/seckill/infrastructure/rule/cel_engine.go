// internal/seckill/infrastructure/rule/cel_engine.go
package rule

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// CelEngine 是 port.RuleEngine 的 CEL 实现。
// 活动的准入规则是 CEL 表达式，例如:
//
//	user_id != "" && user_id.startsWith("vip-")
//
// 活动不可变，所以编译结果按表达式缓存，热路径上只剩求值。
type CelEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCelEngine() (*CelEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("activity_id", cel.StringType),
		cel.Variable("sku_id", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	return &CelEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *CelEngine) Eligible(ctx context.Context, rule string, fact map[string]interface{}) (bool, error) {
	if rule == "" {
		return true, nil
	}

	prg, err := e.compile(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, fact)
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate rule %q", rule)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("rule %q did not evaluate to bool", rule)
	}
	return verdict, nil
}

func (e *CelEngine) compile(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "failed to compile rule %q", rule)
	}
	prg, err := e.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build program for rule %q", rule)
	}

	e.mu.Lock()
	e.programs[rule] = prg
	e.mu.Unlock()
	return prg, nil
}
