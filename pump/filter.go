package pump

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/danthegoodman1/EventHerd/broker"
)

var (
	filterEnv = expr.Env(map[string]any{
		"offset":         "",
		"sequenceNumber": int64(0),
		"enqueuedTimeMs": int64(0),
		"partitionKey":   "",
		"data":           "",
	})
	filterOpts = []expr.Option{
		filterEnv,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	}
)

// VerifyFilterExpression compiles the expression to verify it evaluates to a
// boolean over the event fields.
func VerifyFilterExpression(expression string) error {
	_, err := expr.Compile(expression, filterOpts...)
	return err
}

func compileFilter(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, filterOpts...)
	if err != nil {
		return nil, fmt.Errorf("error in expr.Compile: %w", err)
	}
	return program, nil
}

func matchFilter(program *vm.Program, ev *broker.EventData) (bool, error) {
	output, err := expr.Run(program, map[string]any{
		"offset":         ev.Offset,
		"sequenceNumber": ev.SequenceNumber,
		"enqueuedTimeMs": ev.EnqueuedTime.UnixMilli(),
		"partitionKey":   ev.PartitionKey,
		"data":           string(ev.Data),
	})
	if err != nil {
		return false, fmt.Errorf("error in expr.Run: %w", err)
	}
	return output.(bool), nil
}
