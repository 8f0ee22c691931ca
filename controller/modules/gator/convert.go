package gator

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// DefaultConversion turns centre-of-gravity counts into nanometres.
const DefaultConversion = "raw / 100000"

// Converter evaluates a conversion expression over the variable "raw".
type Converter struct {
	expr *govaluate.EvaluableExpression
}

func NewConverter(expression string) (*Converter, error) {
	if expression == "" {
		expression = DefaultConversion
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("parse conversion %q: %w", expression, err)
	}
	for _, v := range expr.Vars() {
		if v != "raw" {
			return nil, fmt.Errorf("conversion %q uses unknown variable %q", expression, v)
		}
	}
	return &Converter{expr: expr}, nil
}

func (c *Converter) Convert(raw float64) (float64, error) {
	v, err := c.expr.Evaluate(map[string]interface{}{"raw": raw})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("conversion returned %T, expected a number", v)
	}
	return f, nil
}
