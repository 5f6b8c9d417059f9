package refresh

import (
	"fmt"

	"github.com/Curts0/tabular/pkg/apperrors"
	"go.uber.org/zap"
)

// CheckFunc produces the value a Check compares before and after a refresh
// run (e.g. a table's row count).
type CheckFunc func() (any, error)

// Assertion reports whether post (and pre) values represent a successful
// refresh. A nil Assertion means the Check only records values without
// failing the run.
type Assertion func(pre, post any) bool

// Check runs a named function before and after a refresh and asserts the
// pre/post values satisfy some condition.
type Check struct {
	Name      string
	Function  CheckFunc
	Assertion Assertion

	pre  any
	post any
}

// NewCheck builds a Check. assertion may be nil to only record values.
func NewCheck(name string, fn CheckFunc, assertion Assertion) *Check {
	return &Check{Name: name, Function: fn, Assertion: assertion}
}

// RunPre executes the check's function and records the result as Pre.
func (c *Check) RunPre(log *zap.Logger) error {
	result, err := c.Function()
	if err != nil {
		return fmt.Errorf("pre-check %q: %w", c.Name, err)
	}
	c.pre = result
	log.Debug("pre-check recorded", zap.String("check", c.Name), zap.Any("value", result))
	return nil
}

// RunPost executes the check's function, records the result as Post, and
// evaluates the assertion if one was given. A failing assertion is
// returned as an apperrors.CheckFailure so the caller can aggregate
// failures across checks before surfacing them.
func (c *Check) RunPost(log *zap.Logger) (*apperrors.CheckFailure, error) {
	result, err := c.Function()
	if err != nil {
		return nil, fmt.Errorf("post-check %q: %w", c.Name, err)
	}
	c.post = result
	log.Debug("post-check recorded", zap.String("check", c.Name), zap.Any("value", result))

	if c.Assertion == nil {
		return nil, nil
	}

	if c.Assertion(c.pre, c.post) {
		log.Info("check passed", zap.String("check", c.Name))
		return nil, nil
	}

	failure := &apperrors.CheckFailure{Name: c.Name, Pre: c.pre, Post: c.post}
	log.Error("check failed", zap.String("check", c.Name), zap.Any("pre", c.pre), zap.Any("post", c.post))
	return failure, nil
}

// RowCountAssertion is the default row-count check assertion: the refresh
// succeeds only if the post-refresh row count is greater than zero.
func RowCountAssertion(_ any, post any) bool {
	count, ok := post.(int64)
	if !ok {
		if f, ok := post.(float64); ok {
			count = int64(f)
		}
	}
	return count > 0
}
