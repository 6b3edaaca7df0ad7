package rest

import (
	"sync"

	"github.com/jmespath/go-jmespath"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// maxExpressionLength bounds transform expressions accepted from config.
const maxExpressionLength = 4096

// Evaluator applies JMESPath expressions to decoded response bodies.
// Compiled expressions are cached; JMESPath cannot call out of the document,
// so evaluation has no side effects.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*jmespath.JMESPath
}

// NewEvaluator creates an evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*jmespath.JMESPath)}
}

// Evaluate runs expression against data. An empty expression returns data
// unchanged.
func (e *Evaluator) Evaluate(expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}
	compiled, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	result, err := compiled.Search(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "transform failed").
			WithDetail("expression", expression)
	}
	return result, nil
}

// Validate compiles expression without evaluating it.
func (e *Evaluator) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	if len(expression) > maxExpressionLength {
		return nil, errors.Validation("transform expression is too long").
			WithDetail("length", len(expression))
	}
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid transform expression").
			WithDetail("expression", expression)
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}
