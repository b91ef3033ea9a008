package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestCalculator(t *testing.T) {
	tool := &calculatorTool{}

	cases := []struct {
		expr string
		want string
	}{
		{"2 + 3", "5"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"-5 + 2", "-3"},
		{"3.5 * 2", "7"},
		{"-(2 + 3)", "-5"},
	}
	for _, tc := range cases {
		params, _ := json.Marshal(map[string]string{"expression": tc.expr})
		got, err := tool.Execute(context.Background(), params)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s = %s, want %s", tc.expr, got, tc.want)
		}
	}
}

func TestCalculatorErrors(t *testing.T) {
	tool := &calculatorTool{}

	bad := []string{"1 / 0", "2 +", "(1 + 2", "abc", ""}
	for _, expr := range bad {
		params, _ := json.Marshal(map[string]string{"expression": expr})
		if _, err := tool.Execute(context.Background(), params); err == nil {
			t.Errorf("%q: expected error", expr)
		}
	}
}

func TestCurrentTime(t *testing.T) {
	tool := &currentTimeTool{}

	got, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "UTC") {
		t.Errorf("expected UTC in %q", got)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	for _, name := range []string{"current_time", "calculator"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("missing builtin %s", name)
		}
	}
}
