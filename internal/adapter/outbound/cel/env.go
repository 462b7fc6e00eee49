package cel

import (
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/quotaguard/quotaguard/internal/domain/policy"
)

// NewOverrideEnvironment creates the CEL environment for category override conditions.
//   - Variables: tier, category, endpoint, month (1-12), day (1-31), weekday (0=Sunday),
//     hour (0-23), date (timestamp in the policy timezone)
//   - Functions: glob(pattern, value)
func NewOverrideEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tier", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("month", cel.IntType),
		cel.Variable("day", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("date", cel.TimestampType),

		// glob: shell pattern match, e.g. glob("bulk.*", endpoint)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					v, _ := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// buildActivation maps a match context onto the environment variables.
func buildActivation(mc policy.MatchContext) map[string]any {
	d := mc.Date
	if d.IsZero() {
		d = time.Now().UTC()
	}
	return map[string]any{
		"tier":     mc.Tier,
		"category": mc.Category,
		"endpoint": mc.EndpointClass,
		"month":    int64(d.Month()),
		"day":      int64(d.Day()),
		"weekday":  int64(d.Weekday()),
		"hour":     int64(d.Hour()),
		"date":     d,
	}
}
