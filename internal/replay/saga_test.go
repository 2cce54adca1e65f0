package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name string, log *[]string, fail bool) SagaStep {
	return SagaStep{
		Name: name,
		Execute: func(ctx context.Context, input any) (any, error) {
			if fail {
				*log = append(*log, "fail:"+name)
				return nil, errors.New(name + " exploded")
			}
			*log = append(*log, "exec:"+name)
			return name + "-out", nil
		},
		Compensate: func(ctx context.Context, input any) error {
			*log = append(*log, "comp:"+name)
			return nil
		},
	}
}

func TestExecuteSaga_AllStepsSucceed(t *testing.T) {
	engine, _ := newTestEngine(t)

	var log []string
	result, err := engine.ExecuteSaga(context.Background(), "e1", "in", []SagaStep{
		step("reserve", &log, false),
		step("charge", &log, false),
		step("ship", &log, false),
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Compensated)
	assert.Nil(t, result.Err)
	assert.Empty(t, result.CompensationErrs)

	require.Len(t, result.Results, 3)
	assert.Equal(t, "reserve", result.Results[0].Step)
	assert.Equal(t, "reserve-out", result.Results[0].Output)
	assert.Equal(t, []string{"exec:reserve", "exec:charge", "exec:ship"}, log)
}

func TestExecuteSaga_FailureCompensatesInReverse(t *testing.T) {
	engine, _ := newTestEngine(t)

	var log []string
	result, err := engine.ExecuteSaga(context.Background(), "e1", "in", []SagaStep{
		step("reserve", &log, false),
		step("charge", &log, false),
		step("ship", &log, true),
		step("notify", &log, false),
	})
	require.NoError(t, err, "saga failure is a structured result, not an error")

	assert.False(t, result.Success)
	assert.True(t, result.Compensated)
	assert.Equal(t, "ship", result.FailedStep)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "ship")

	// Only the two completed steps have results; notify never ran.
	require.Len(t, result.Results, 2)
	assert.Equal(t, "reserve", result.Results[0].Step)
	assert.Equal(t, "charge", result.Results[1].Step)

	// Compensation is strict reverse order of the succeeded steps; the
	// failed step itself is not compensated.
	assert.Equal(t, []string{
		"exec:reserve", "exec:charge", "fail:ship",
		"comp:charge", "comp:reserve",
	}, log)
}

func TestExecuteSaga_FirstStepFailureCompensatesNothing(t *testing.T) {
	engine, _ := newTestEngine(t)

	var log []string
	result, err := engine.ExecuteSaga(context.Background(), "e1", "in", []SagaStep{
		step("reserve", &log, true),
		step("charge", &log, false),
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.Compensated)
	assert.Empty(t, result.Results)
	assert.Empty(t, result.CompensationErrs)
	assert.Equal(t, []string{"fail:reserve"}, log)
}

func TestExecuteSaga_CompensationFailureIsSurfaced(t *testing.T) {
	engine, _ := newTestEngine(t)

	var log []string
	steps := []SagaStep{
		{
			Name: "reserve",
			Execute: func(ctx context.Context, input any) (any, error) {
				log = append(log, "exec:reserve")
				return nil, nil
			},
			Compensate: func(ctx context.Context, input any) error {
				log = append(log, "comp:reserve")
				return errors.New("refund rejected")
			},
		},
		step("charge", &log, false),
		step("ship", &log, true),
	}

	result, err := engine.ExecuteSaga(context.Background(), "e1", "in", steps)
	require.NoError(t, err)

	assert.True(t, result.Compensated)
	require.Len(t, result.CompensationErrs, 1)
	assert.Contains(t, result.CompensationErrs[0].Error(), "refund rejected")

	// The failing compensation did not stop the others.
	assert.Equal(t, []string{
		"exec:reserve", "exec:charge", "fail:ship",
		"comp:charge", "comp:reserve",
	}, log)
}

func TestExecuteSaga_NilCompensateSkipped(t *testing.T) {
	engine, _ := newTestEngine(t)

	var log []string
	steps := []SagaStep{
		{
			Name: "log-only",
			Execute: func(ctx context.Context, input any) (any, error) {
				log = append(log, "exec:log-only")
				return nil, nil
			},
		},
		step("ship", &log, true),
	}

	result, err := engine.ExecuteSaga(context.Background(), "e1", "in", steps)
	require.NoError(t, err)
	assert.True(t, result.Compensated)
	assert.Empty(t, result.CompensationErrs)
	assert.Equal(t, []string{"exec:log-only", "fail:ship"}, log)
}

func TestExecuteSaga_InputReachesEveryStep(t *testing.T) {
	engine, _ := newTestEngine(t)

	var seen []any
	mk := func(name string) SagaStep {
		return SagaStep{
			Name: name,
			Execute: func(ctx context.Context, input any) (any, error) {
				seen = append(seen, input)
				return nil, nil
			},
		}
	}

	_, err := engine.ExecuteSaga(context.Background(), "e1", 42, []SagaStep{mk("a"), mk("b")})
	require.NoError(t, err)
	assert.Equal(t, []any{42, 42}, seen)
}

func TestExecuteSaga_Validation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.ExecuteSaga(ctx, "e1", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Success, "empty saga trivially succeeds")

	_, err = engine.ExecuteSaga(ctx, "e1", nil, []SagaStep{{Name: ""}})
	require.Error(t, err)

	_, err = engine.ExecuteSaga(ctx, "e1", nil, []SagaStep{{Name: "x"}})
	require.Error(t, err, "missing execute func")
}
