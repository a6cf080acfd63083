package skills

import (
	"context"

	"github.com/ashita-ai/shugo/internal/model"
)

// TestRunner executes a manifest's declared test cases.
type TestRunner interface {
	Run(ctx context.Context, m model.SkillManifest) ([]model.SkillTestResult, error)
}

// SchemaRunner is the default TestRunner. It does not execute the skill; it
// checks that each test's input conforms to the inputs schema and its expected
// output to the outputs schema.
type SchemaRunner struct{}

// Run implements TestRunner.
func (SchemaRunner) Run(ctx context.Context, m model.SkillManifest) ([]model.SkillTestResult, error) {
	compiled, err := compileManifest(&m)
	if err != nil {
		return nil, err
	}
	results := make([]model.SkillTestResult, 0, len(m.Tests))
	for _, tc := range m.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := model.SkillTestResult{Name: tc.Name, Passed: true}
		if err := validateAgainst(compiled.input, tc.Input); err != nil {
			res.Passed, res.Error = false, "input: "+err.Error()
		} else if len(tc.Expect) > 0 {
			if err := validateAgainst(compiled.output, tc.Expect); err != nil {
				res.Passed, res.Error = false, "expect: "+err.Error()
			}
		}
		results = append(results, res)
	}
	return results, nil
}
