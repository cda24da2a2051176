package repl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmloop/internal/rlm/signature"
)

// TestSpawn_SubmitValidation runs SUBMIT through the real bootstrap script.
// Rejected submissions leave the handle open for a retry; after the first
// accepted one, later calls are ignored.
func TestSpawn_SubmitValidation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := FindPython(ctx); err != nil {
		t.Skip("python not available:", err)
	}

	h, err := Spawn(ctx, SpawnOptions{Sandbox: DefaultSandboxConfig()})
	require.NoError(t, err)
	defer h.Shutdown()

	sig := signature.New("triage",
		signature.FieldSpec{Name: "answer", Type: signature.TypeString, Required: true},
		signature.FieldSpec{Name: "count", Type: signature.TypeInteger, Required: true},
		signature.FieldSpec{Name: "severity", Type: signature.TypeEnum, Enum: []string{"low", "high"}},
	)
	_, err = h.RegisterSignature(ctx, sig)
	require.NoError(t, err)

	rejected := []struct {
		name    string
		code    string
		errType signature.ErrorType
		field   string
	}{
		{"missing field", `SUBMIT(answer="ok")`, signature.ErrMissingField, "count"},
		{"wrong type", `SUBMIT(answer="ok", count="three")`, signature.ErrTypeMismatch, "count"},
		{"invalid enum", `SUBMIT(answer="ok", count=3, severity="medium")`, signature.ErrEnumInvalid, "severity"},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.Execute(ctx, tc.code)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, ErrorTypeSubmitValidation, res.ErrorType)
			require.NotNil(t, res.SubmitResult)
			assert.False(t, res.SubmitResult.Accepted())
			assert.Equal(t, signature.StatusValidationError, res.SubmitResult.Status)
			require.Len(t, res.SubmitResult.Errors, 1)
			assert.Equal(t, tc.errType, res.SubmitResult.Errors[0].Type)
			assert.Equal(t, tc.field, res.SubmitResult.Errors[0].Field)
		})
	}

	res, err := h.Execute(ctx, `SUBMIT(answer="ok", count=3, severity="high")`)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.True(t, res.SubmitResult.Accepted())
	assert.Equal(t, "ok", res.SubmitResult.Outputs["answer"])
	assert.EqualValues(t, 3, res.SubmitResult.Outputs["count"])
	assert.Equal(t, "high", res.SubmitResult.Outputs["severity"])

	res, err = h.Execute(ctx, "SUBMIT(answer=\"changed\", count=9)\nprint(\"unreachable\")")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Nil(t, res.SubmitResult, "only the first accepted submission is reported")
	assert.Contains(t, res.Stderr, "SUBMIT called multiple times (5); first submission kept")
	assert.NotContains(t, res.Stdout, "unreachable")
}
