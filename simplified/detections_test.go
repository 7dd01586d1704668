package simplified

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

func testEvent() limacharlie.Dict {
	return limacharlie.Dict{
		"event": map[string]interface{}{
			"FILE_PATH":    "C:\\Windows\\System32\\cmd.exe",
			"COMMAND_LINE": "cmd.exe /c whoami",
			"PROCESS_ID":   float64(1234),
		},
		"routing": map[string]interface{}{
			"event_type": "NEW_PROCESS",
			"hostname":   "host-1",
		},
	}
}

func TestPredicateOps(t *testing.T) {
	event := testEvent()

	tests := []struct {
		name     string
		p        RulePredicate
		expected bool
	}{
		{
			name:     "exists hit",
			p:        RulePredicate{Op: "exists", Path: "event.FILE_PATH"},
			expected: true,
		},
		{
			name:     "exists miss",
			p:        RulePredicate{Op: "exists", Path: "event.NO_SUCH_FIELD"},
			expected: false,
		},
		{
			name:     "is case insensitive by default",
			p:        RulePredicate{Op: "is", Path: "routing.event_type", Value: "new_process"},
			expected: true,
		},
		{
			name:     "is case sensitive",
			p:        RulePredicate{Op: "is", Path: "routing.event_type", Value: "new_process", CaseSensitive: true},
			expected: false,
		},
		{
			name:     "is numeric",
			p:        RulePredicate{Op: "is", Path: "event.PROCESS_ID", Value: 1234},
			expected: true,
		},
		{
			name:     "contains",
			p:        RulePredicate{Op: "contains", Path: "event.COMMAND_LINE", Value: "WHOAMI"},
			expected: true,
		},
		{
			name:     "starts with",
			p:        RulePredicate{Op: "starts with", Path: "event.FILE_PATH", Value: "c:\\windows"},
			expected: true,
		},
		{
			name:     "ends with",
			p:        RulePredicate{Op: "ends with", Path: "event.FILE_PATH", Value: ".exe"},
			expected: true,
		},
		{
			name: "and",
			p: RulePredicate{Op: "and", Rules: []RulePredicate{
				{Op: "exists", Path: "event.FILE_PATH"},
				{Op: "is", Path: "routing.hostname", Value: "host-1"},
			}},
			expected: true,
		},
		{
			name: "and short circuits",
			p: RulePredicate{Op: "and", Rules: []RulePredicate{
				{Op: "exists", Path: "event.NO_SUCH_FIELD"},
				{Op: "exists", Path: "event.FILE_PATH"},
			}},
			expected: false,
		},
		{
			name: "or",
			p: RulePredicate{Op: "or", Rules: []RulePredicate{
				{Op: "exists", Path: "event.NO_SUCH_FIELD"},
				{Op: "exists", Path: "event.FILE_PATH"},
			}},
			expected: true,
		},
		{
			name: "not",
			p: RulePredicate{Op: "not", Rules: []RulePredicate{
				{Op: "exists", Path: "event.NO_SUCH_FIELD"},
			}},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluatePredicate(tt.p, event); got != tt.expected {
				t.Errorf("evaluatePredicate() = %v; want %v", got, tt.expected)
			}
		})
	}
}

func TestRuleFaultIsolation(t *testing.T) {
	d := &DetectionExtension{Logger: dummyLogger{}}
	rule := &DetectionRule{
		name:   "broken",
		Detect: RulePredicate{Op: "no_such_op", Path: "event"},
	}
	// An unknown op panics inside the predicate walker, the rule
	// must come back as a non-match instead of taking the run down.
	if d.evaluateRule(rule, testEvent()) {
		t.Error("expected faulty rule to not match")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	ruleYAML := `
title: Suspicious Shell
severity: high
detect:
  op: and
  rules:
    - op: is
      path: routing.event_type
      value: NEW_PROCESS
    - op: contains
      path: event.COMMAND_LINE
      value: whoami
context:
  mitre: T1033
`
	if err := os.WriteFile(filepath.Join(dir, "shell.yaml"), []byte(ruleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	// Non rule files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o600); err != nil {
		t.Fatal(err)
	}

	d := &DetectionExtension{Logger: dummyLogger{}, RulesDir: dir}
	if err := d.loadRules(); err != nil {
		t.Fatal(err)
	}
	if len(d.rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(d.rules))
	}
	rule, ok := d.rules["shell"]
	if !ok {
		t.Fatal("expected rule named after its file")
	}
	if rule.Title != "Suspicious Shell" || rule.Severity != "high" {
		t.Errorf("rule metadata not parsed: %+v", rule)
	}

	if !d.evaluateRule(rule, testEvent()) {
		t.Error("expected loaded rule to match the test event")
	}
	miss := limacharlie.Dict{
		"event":   map[string]interface{}{"COMMAND_LINE": "notepad.exe"},
		"routing": map[string]interface{}{"event_type": "NEW_PROCESS"},
	}
	if d.evaluateRule(rule, miss) {
		t.Error("expected loaded rule to not match an unrelated event")
	}
}

func TestLoadRulesMissingDir(t *testing.T) {
	d := &DetectionExtension{Logger: dummyLogger{}, RulesDir: "/does/not/exist"}
	if err := d.loadRules(); err == nil {
		t.Error("expected error for missing rules dir")
	}
}
