package simplified

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

func TestSuppression(t *testing.T) {
	a := []byte(`{"respond":[{"action":"report", "name": "XXX"}]}`)
	d := limacharlie.Dict{}
	if err := json.Unmarshal(a, &d); err != nil {
		panic(err)
	}

	final := fmt.Sprintf("%#v", addSuppression(d, "1h"))
	expected := `limacharlie.Dict{"respond":[]interface {}{map[string]interface {}{"action":"report", "name":"XXX", "suppression":limacharlie.Dict{"is_global":false, "keys":[]string{"XXX"}, "max_count":1, "period":"1h"}}}}`
	if final != expected {
		t.Errorf("unexpected suppression: %s\n!=\n%s", final, expected)
	}
}

func TestSuppressionSkipsNonReportActions(t *testing.T) {
	a := []byte(`{"respond":[{"action":"task", "command": "history_dump"}]}`)
	d := limacharlie.Dict{}
	if err := json.Unmarshal(a, &d); err != nil {
		panic(err)
	}

	out := addSuppression(d, "1h")
	action := out["respond"].([]interface{})[0].(map[string]interface{})
	if _, ok := action["suppression"]; ok {
		t.Errorf("suppression added to a non-report action: %#v", action)
	}
}

func TestMergeTags(t *testing.T) {
	l := &RuleExtension{tag: "ext:test"}
	merged := l.mergeTags([]string{"a", "b"}, []string{"b", "c"})

	found := map[string]bool{}
	for _, tag := range merged {
		found[tag] = true
	}
	for _, expected := range []string{"ext:test", "a", "b", "c"} {
		if !found[expected] {
			t.Errorf("missing tag %s in %v", expected, merged)
		}
	}
	if len(merged) != 4 {
		t.Errorf("expected 4 unique tags, got %v", merged)
	}
}
