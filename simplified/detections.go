package simplified

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
	"github.com/refractionPOINT/lc-extension-sdk/core"
)

// DetectionExtension is a turnkey extension flavor that evaluates a
// set of declarative detection rules against events forwarded by the
// platform. Rules are YAML files loaded once at startup. On
// subscribe the extension provisions its webhook adapter and a D&R
// rule that forwards the configured event types to the "run" action.
// Matches are reported through the webhook adapter as detections.

type DetectionExtension struct {
	Name      string
	SecretKey string
	Logger    limacharlie.LCLogger

	// Directory of .yaml rule files. Defaults to RULES_DIR or "rules".
	RulesDir string
	// Event types the forwarding D&R rule should trigger on.
	EventTypes []string

	rules     map[string]*DetectionRule
	extension *core.Extension
}

// DetectionRule is one declarative detection loaded from YAML.
type DetectionRule struct {
	Title    string         `yaml:"title"`
	Severity string         `yaml:"severity"`
	Detect   RulePredicate  `yaml:"detect"`
	Context  map[string]any `yaml:"context"`

	name string
}

// RulePredicate is a recursive match expression over the event.
type RulePredicate struct {
	Op    string          `yaml:"op"`
	Path  string          `yaml:"path"`
	Value any             `yaml:"value"`
	Rules []RulePredicate `yaml:"rules"`

	CaseSensitive bool `yaml:"case_sensitive"`
}

type detectionRunRequest struct {
	Event   limacharlie.Dict `json:"event"`
	Routing limacharlie.Dict `json:"routing"`
}

const detectionRuleHive = "dr-managed"

func (d *DetectionExtension) Init() (*core.Extension, error) {
	if d.RulesDir == "" {
		d.RulesDir = os.Getenv("RULES_DIR")
	}
	if d.RulesDir == "" {
		d.RulesDir = "rules"
	}
	if len(d.EventTypes) == 0 {
		for _, e := range strings.Split(os.Getenv("EVENT_TYPES"), ",") {
			if e = strings.TrimSpace(e); e != "" {
				d.EventTypes = append(d.EventTypes, e)
			}
		}
	}

	if err := d.loadRules(); err != nil {
		return nil, err
	}

	x := &core.Extension{
		ExtensionName: d.Name,
		SecretKey:     d.SecretKey,
		ConfigSchema:  common.SchemaObject{},
		RequestSchema: map[string]common.RequestSchema{
			"run": {
				IsUserFacing:     false,
				Label:            "Run Rules",
				ShortDescription: "run the detection rules against an event",
				ParameterDefinitions: common.SchemaObject{
					Requirements: [][]common.SchemaKey{{"event"}},
					Fields: map[common.SchemaKey]common.SchemaElement{
						"event": {
							DataType:    common.SchemaDataTypes.Object,
							Description: "the event from limacharlie",
						},
						"routing": {
							DataType:    common.SchemaDataTypes.Object,
							Description: "the routing from limacharlie",
						},
					},
				},
			},
		},
	}

	x.Callbacks = core.ExtensionCallbacks{
		ValidateConfig: func(ctx context.Context, org *limacharlie.Organization, config limacharlie.Dict) common.Response {
			return common.Response{}
		},
		RequestHandlers: map[common.ActionName]core.RequestCallback{
			"run": {
				RequestStruct: &detectionRunRequest{},
				Callback: func(ctx context.Context, params core.RequestCallbackParams) common.Response {
					return d.onRun(params.Org, params.Request.(*detectionRunRequest))
				},
			},
		},
		EventHandlers: map[common.EventName]core.EventCallback{
			common.EventTypes.Subscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				return d.onSubscribe(params.Org)
			},
			common.EventTypes.Unsubscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				return d.onUnsubscribe(params.Org)
			},
		},
		ErrorHandler: func(erm *common.ErrorReportMessage) {
			d.Logger.Error(fmt.Sprintf("error from limacharlie for %s: %s", erm.Oid, erm.Error))
		},
	}

	d.extension = x

	if err := x.Init(); err != nil {
		return nil, err
	}
	d.Logger.Info(fmt.Sprintf("initialized: extension=%s event_types=%v rules=%d", d.Name, d.EventTypes, len(d.rules)))
	return x, nil
}

func (d *DetectionExtension) loadRules() error {
	d.rules = map[string]*DetectionRule{}
	entries, err := os.ReadDir(d.RulesDir)
	if err != nil {
		return fmt.Errorf("failed to read rules dir %s: %w", d.RulesDir, err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.RulesDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read rule %s: %w", entry.Name(), err)
		}
		rule := DetectionRule{}
		if err := yaml.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("failed to parse rule %s: %w", entry.Name(), err)
		}
		rule.name = strings.TrimSuffix(entry.Name(), ext)
		if rule.Title == "" {
			rule.Title = rule.name
		}
		d.rules[rule.name] = &rule
	}
	return nil
}

func (d *DetectionExtension) forwardingRuleName() string {
	return fmt.Sprintf("ext-%s-run", d.Name)
}

func (d *DetectionExtension) onSubscribe(org *limacharlie.Organization) common.Response {
	d.Logger.Info(fmt.Sprintf("subscribe to %s", org.GetOID()))

	if err := d.extension.CreateExtensionAdapter(org, limacharlie.Dict{
		"event_type_path": "detection",
	}); err != nil {
		return common.Response{Error: fmt.Sprintf("failed extension adapter creation: %v", err)}
	}

	// Forward the target event types to our "run" action.
	h := limacharlie.NewHiveClient(org)
	trueValue := true
	if _, err := h.Add(limacharlie.HiveArgs{
		HiveName:     detectionRuleHive,
		PartitionKey: org.GetOID(),
		Key:          d.forwardingRuleName(),
		Tags:         []string{"lc:system", d.extension.GetExtensionPrivateTag()},
		Enabled:      &trueValue,
		Data: limacharlie.Dict{
			"detect": limacharlie.Dict{
				"events": d.EventTypes,
				"op":     "exists",
				"path":   "event",
			},
			"respond": []limacharlie.Dict{{
				"action":           "extension request",
				"extension name":   d.Name,
				"extension action": "run",
				"extension request": limacharlie.Dict{
					"event":   "event",
					"routing": "routing",
				},
			}},
		},
	}); err != nil {
		return common.Response{Error: fmt.Sprintf("failed to create forwarding rule: %v", err)}
	}
	return common.Response{}
}

func (d *DetectionExtension) onUnsubscribe(org *limacharlie.Organization) common.Response {
	d.Logger.Info(fmt.Sprintf("unsubscribe from %s", org.GetOID()))

	if err := d.extension.DeleteExtensionAdapter(org); err != nil {
		d.Logger.Error(fmt.Sprintf("failed to delete extension adapter: %v", err))
	}

	h := limacharlie.NewHiveClient(org)
	if _, err := h.Remove(limacharlie.HiveArgs{
		HiveName:     detectionRuleHive,
		PartitionKey: org.GetOID(),
		Key:          d.forwardingRuleName(),
	}); err != nil && !strings.Contains(err.Error(), "RECORD_NOT_FOUND") {
		return common.Response{Error: fmt.Sprintf("failed to remove forwarding rule: %v", err)}
	}
	return common.Response{}
}

func (d *DetectionExtension) onRun(org *limacharlie.Organization, req *detectionRunRequest) common.Response {
	if len(req.Event) == 0 {
		isRetriable := false
		return common.Response{Error: "missing event", Retriable: &isRetriable}
	}

	evt := limacharlie.Dict{
		"event":   map[string]interface{}(req.Event),
		"routing": map[string]interface{}(req.Routing),
	}

	matches := []string{}
	for name, rule := range d.rules {
		if !d.evaluateRule(rule, evt) {
			continue
		}
		matches = append(matches, name)
		detection := limacharlie.Dict{
			"detection": limacharlie.Dict{
				"name":     name,
				"title":    rule.Title,
				"severity": rule.Severity,
				"context":  rule.Context,
			},
			"event":   req.Event,
			"routing": req.Routing,
		}
		if err := d.extension.SendToWebhookAdapter(org, detection); err != nil {
			d.Logger.Error(fmt.Sprintf("failed to report detection %s: %v", name, err))
			return common.Response{Error: err.Error()}
		}
	}

	return common.Response{Data: limacharlie.Dict{"matches": matches}}
}

// evaluateRule isolates each rule: a predicate fault disables that
// rule for the event but the others keep running.
func (d *DetectionExtension) evaluateRule(rule *DetectionRule, event limacharlie.Dict) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error(fmt.Sprintf("failed to run rule %s: %v", rule.name, r))
			matched = false
		}
	}()
	return evaluatePredicate(rule.Detect, event)
}

func evaluatePredicate(p RulePredicate, event limacharlie.Dict) bool {
	switch p.Op {
	case "and":
		for _, sub := range p.Rules {
			if !evaluatePredicate(sub, event) {
				return false
			}
		}
		return len(p.Rules) > 0
	case "or":
		for _, sub := range p.Rules {
			if evaluatePredicate(sub, event) {
				return true
			}
		}
		return false
	case "not":
		return len(p.Rules) == 1 && !evaluatePredicate(p.Rules[0], event)
	case "exists":
		_, ok := lookupPath(event, p.Path)
		return ok
	case "is":
		v, ok := lookupPath(event, p.Path)
		if !ok {
			return false
		}
		return compareValues(v, p.Value, p.CaseSensitive)
	case "contains":
		return stringOp(event, p, strings.Contains)
	case "starts with":
		return stringOp(event, p, strings.HasPrefix)
	case "ends with":
		return stringOp(event, p, strings.HasSuffix)
	default:
		panic(fmt.Sprintf("unknown op %q", p.Op))
	}
}

func stringOp(event limacharlie.Dict, p RulePredicate, cmp func(string, string) bool) bool {
	v, ok := lookupPath(event, p.Path)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	needle, ok := p.Value.(string)
	if !ok {
		return false
	}
	if !p.CaseSensitive {
		s = strings.ToLower(s)
		needle = strings.ToLower(needle)
	}
	return cmp(s, needle)
}

func compareValues(a any, b any, caseSensitive bool) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if caseSensitive {
			return as == bs
		}
		return strings.EqualFold(as, bs)
	}
	// Numeric values come out of JSON and YAML with differing
	// concrete types, compare their rendering.
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// lookupPath walks a dot separated path into nested objects.
func lookupPath(event limacharlie.Dict, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = event
	for _, part := range strings.Split(path, ".") {
		var m map[string]interface{}
		switch t := current.(type) {
		case limacharlie.Dict:
			m = t
		case map[string]interface{}:
			m = t
		default:
			return nil, false
		}
		var ok bool
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}
