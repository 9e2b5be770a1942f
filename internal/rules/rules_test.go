package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

func event(source, eventType string, payload string) *models.StoredEvent {
	evt := &models.StoredEvent{
		InboundEvent: models.InboundEvent{
			Source:        source,
			Type:          eventType,
			CorrelationID: "corr-1",
		},
		ID: "evt-1",
	}
	if payload != "" {
		evt.Payload = json.RawMessage(payload)
	}
	return evt
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"empty", ""},
		{"bare field", "type"},
		{"missing literal", "type =="},
		{"single equals", "type = 'x'"},
		{"unknown field root", "severity == 'high'"},
		{"bare payload root", "payload. == 'x'"},
		{"unterminated string", "type == 'task"},
		{"unbalanced paren", "(type == 'a'"},
		{"reserved word as field", "and == 'x'"},
		{"trailing garbage", "type == 'a' type == 'b'"},
		{"literal on left", "'a' == type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.rule)
			require.Error(t, err)
			var cerr *CompileError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestCompile_ReportsPosition(t *testing.T) {
	_, err := Compile("type == ")
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 8, cerr.Pos)
}

func TestEval_Comparisons(t *testing.T) {
	evt := event("billing", "task.complete", `{"duration": 750, "status": "ok", "tags": ["urgent", "prod"], "user": {"name": "alice"}}`)

	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"type equality", `type == "task.complete"`, true},
		{"type inequality", `type != "task.complete"`, false},
		{"single quotes", `type == 'task.complete'`, true},
		{"source match", `source == "billing"`, true},
		{"correlation id", `correlation_id == "corr-1"`, true},
		{"numeric greater than", `payload.duration > 500`, true},
		{"numeric greater than false", `payload.duration > 1000`, false},
		{"numeric less than", `payload.duration < 1000`, true},
		{"numeric gte boundary", `payload.duration >= 750`, true},
		{"numeric lte boundary", `payload.duration <= 750`, true},
		{"numeric equality", `payload.duration == 750`, true},
		{"nested field", `payload.user.name == "alice"`, true},
		{"string contains substring", `payload.status contains "o"`, true},
		{"type contains", `type contains "complete"`, true},
		{"array membership", `payload.tags contains "urgent"`, true},
		{"array membership miss", `payload.tags contains "staging"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Compile(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.Eval(evt))
		})
	}
}

func TestEval_BooleanOperators(t *testing.T) {
	evt := event("billing", "task.complete", `{"duration": 750}`)

	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"and both true", `type == "task.complete" and payload.duration > 500`, true},
		{"and one false", `type == "task.complete" and payload.duration > 1000`, false},
		{"or one true", `type == "task.failed" or payload.duration > 500`, true},
		{"or both false", `type == "task.failed" or payload.duration > 1000`, false},
		{"not", `not type == "task.failed"`, true},
		{"not true branch", `not payload.duration > 500`, false},
		{"parens change grouping", `(type == "task.failed" or type == "task.complete") and payload.duration > 500`, true},
		{"and binds tighter than or", `type == "task.failed" or type == "task.complete" and payload.duration > 500`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Compile(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.Eval(evt))
		})
	}
}

func TestEval_PermissiveMissingFields(t *testing.T) {
	evt := event("billing", "task.complete", `{"status": "ok"}`)

	tests := []struct {
		name string
		rule string
	}{
		{"missing payload field", `payload.duration > 500`},
		{"missing nested field", `payload.user.name == "alice"`},
		{"non-numeric compared numerically", `payload.status > 10`},
		{"contains on missing field", `payload.tags contains "urgent"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Compile(tt.rule)
			require.NoError(t, err)
			assert.False(t, expr.Eval(evt), "comparisons against absent or mistyped fields must not match")
		})
	}
}

func TestEval_EmptyPayload(t *testing.T) {
	evt := event("billing", "task.complete", "")

	expr, err := Compile(`payload.duration > 500`)
	require.NoError(t, err)
	assert.False(t, expr.Eval(evt))

	expr, err = Compile(`type == "task.complete"`)
	require.NoError(t, err)
	assert.True(t, expr.Eval(evt), "envelope fields evaluate regardless of payload")
}

func TestEval_NumericStringCoercion(t *testing.T) {
	// JSON numbers arriving as strings still compare numerically.
	evt := event("billing", "task.complete", `{"duration": "750"}`)

	expr, err := Compile(`payload.duration > 500`)
	require.NoError(t, err)
	assert.True(t, expr.Eval(evt))
}
