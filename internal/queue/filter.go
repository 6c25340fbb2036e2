package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program evaluated against dead letters.
// A nil or empty filter matches everything.
//
// Exposed variables:
//
//	id, type, priority, status, error, group, user_id  string
//	retry_count, max_retries                           int
//	created_at_ms, dead_lettered_at_ms, now_ms         int
//	payload                                            parsed JSON payload
type Filter struct {
	prog cel.Program
}

// NewFilter compiles a CEL expression. An empty expression yields a filter
// that matches everything.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("error", cel.StringType),
		cel.Variable("group", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.Variable("created_at_ms", cel.IntType),
		cel.Variable("dead_lettered_at_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog}, nil
}

// Match evaluates the filter against one dead letter. Evaluation errors
// count as no match.
func (f *Filter) Match(dl DeadLetter) bool {
	if f == nil {
		return true
	}
	var payload any
	_ = json.Unmarshal(dl.Task.Payload, &payload)
	out, _, err := f.prog.Eval(map[string]any{
		"id":                  dl.Task.ID,
		"type":                dl.Task.Type,
		"priority":            string(dl.Task.Priority),
		"status":              string(dl.Task.Status),
		"error":               dl.Error,
		"group":               dl.Group,
		"user_id":             dl.Task.UserID,
		"retry_count":         int64(dl.Task.RetryCount),
		"max_retries":         int64(dl.Task.MaxRetries),
		"created_at_ms":       dl.Task.CreatedAt.UnixMilli(),
		"dead_lettered_at_ms": dl.DeadLetteredAt.UnixMilli(),
		"now_ms":              time.Now().UnixMilli(),
		"payload":             payload,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
