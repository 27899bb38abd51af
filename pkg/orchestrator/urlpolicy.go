package orchestrator

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/google/cel-go/cel"
)

// URLPolicy evaluates CEL admission expressions for URL-mode elicitations.
// Expressions see two variables: url, a map with scheme, host, port, path,
// query and raw; and server, the requesting server id.
type URLPolicy struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewURLPolicy() (*URLPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("url", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("server", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &URLPolicy{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks expression and caches its program.
func (p *URLPolicy) Compile(expression string) error {
	_, err := p.program(expression)
	return err
}

// Admit reports whether expression allows serverID to send the user to raw.
func (p *URLPolicy) Admit(expression, serverID, raw string) (bool, error) {
	prg, err := p.program(expression)
	if err != nil {
		return false, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}

	out, _, err := prg.Eval(map[string]any{
		"url": map[string]string{
			"scheme": u.Scheme,
			"host":   u.Hostname(),
			"port":   u.Port(),
			"path":   u.Path,
			"query":  u.RawQuery,
			"raw":    raw,
		},
		"server": serverID,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return allowed, nil
}

func (p *URLPolicy) program(expression string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.prgCache[expression]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.prgCache[expression]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("url policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	p.prgCache[expression] = prg
	return prg, nil
}
