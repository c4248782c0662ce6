package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *EngineError
		expected string
	}{
		{
			name: "error without cause",
			err: &EngineError{
				Code:    CodeCompilation,
				Message: "aggregation plan requires aggregation_column",
			},
			expected: "COMPILATION: aggregation plan requires aggregation_column",
		},
		{
			name: "error with cause",
			err: &EngineError{
				Code:    CodeExecution,
				Message: "query failed",
				Cause:   fmt.Errorf("table sales does not exist"),
			},
			expected: "EXECUTION: query failed (caused by: table sales does not exist)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &EngineError{
		Code:    CodeExecution,
		Message: "query failed",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, ErrExecution))
	assert.True(t, errors.Is(err, cause))
}

func TestEngineError_Is(t *testing.T) {
	err1 := &EngineError{Code: CodeStepDependency, Message: "step 1 produced no rows"}
	err2 := &EngineError{Code: CodeStepDependency, Message: "different message"}
	err3 := &EngineError{Code: CodeCompilation, Message: "bad operator"}

	assert.True(t, err1.Is(err2), "errors with same code should match")
	assert.False(t, err1.Is(err3), "errors with different codes should not match")
	assert.False(t, err1.Is(fmt.Errorf("standard error")))
}

func TestEngineError_WithDetail(t *testing.T) {
	err := New(CodePlanValidation, "missing table").
		WithDetail("query_type", "simple").
		WithDetail("field", "table")

	assert.Equal(t, "simple", err.Details["query_type"])
	assert.Equal(t, "table", err.Details["field"])

	details := map[string]interface{}{"step": 2}
	err = err.WithDetails(details)
	assert.Equal(t, details, err.Details)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeExecution, "ignored"))
	assert.Nil(t, Wrapf(nil, CodeExecution, "ignored %d", 1))

	cause := fmt.Errorf("boom")
	err := Wrapf(cause, CodeExecution, "failed to execute query on %s", "sales")
	assert.Equal(t, CodeExecution, err.Code)
	assert.Equal(t, "failed to execute query on sales", err.Message)
	assert.Equal(t, cause, err.Cause)
}

func TestClassifiers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(CodeSanityCheck, "unlabeled scalar"))

	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"plan validation", New(CodePlanValidation, "x"), IsPlanValidation, true},
		{"compilation", Newf(CodeCompilation, "bad %s", "operator"), IsCompilation, true},
		{"execution", New(CodeExecution, "x"), IsExecution, true},
		{"step dependency", New(CodeStepDependency, "x"), IsStepDependency, true},
		{"sanity wrapped", wrapped, IsSanityCheck, true},
		{"not found", ErrTableNotFound, IsNotFound, true},
		{"standard error", fmt.Errorf("plain"), IsExecution, false},
		{"other code", New(CodeCompilation, "x"), IsExecution, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.err))
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	err := New(CodeStepDependency, "variable peak_date unresolved")
	assert.Equal(t, CodeStepDependency, GetCode(err))
	assert.Equal(t, "variable peak_date unresolved", GetMessage(err))

	plain := fmt.Errorf("plain failure")
	assert.Equal(t, CodeInternal, GetCode(plain))
	assert.Equal(t, "plain failure", GetMessage(plain))
}
