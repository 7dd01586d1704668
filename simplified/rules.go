package simplified

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
	"github.com/refractionPOINT/lc-extension-sdk/core"
)

// RuleExtension is a turnkey extension flavor that keeps a set of
// D&R rules synchronized into subscribed tenants. Provide GetRules
// and the extension handles installation, recurring updates and
// cleanup on unsubscribe.

type GetRulesCallback = func(ctx context.Context) (RuleData, error)
type RuleName = string
type RuleNamespace = string
type RuleInfo struct {
	Tags []string
	Data limacharlie.Dict
}
type RuleData = map[RuleNamespace]map[RuleName]RuleInfo

type RuleExtension struct {
	Name      string
	SecretKey string
	Logger    limacharlie.LCLogger

	GetRules GetRulesCallback

	tag      string
	ruleName string
}

type ruleUpdateRequest struct{}

type ruleConfig struct {
	DisableByDefault      bool   `json:"disable_by_default"`
	GlobalSuppressionTime string `json:"global_suppression_time"`
}

const updateRuleHive = "dr-managed"

// Bounds the concurrent hive operations during a sync.
const maxConcurrentRuleOps = 100

var simplifiedRuleNamespaces = map[string]struct{}{
	"general": {},
	"managed": {},
	"service": {},
}

func (l *RuleExtension) Init() (*core.Extension, error) {
	l.tag = fmt.Sprintf("ext:%s", l.Name)
	l.ruleName = fmt.Sprintf("ext-%s-update", l.Name)

	x := &core.Extension{
		ExtensionName: l.Name,
		SecretKey:     l.SecretKey,
		ConfigSchema: common.SchemaObject{
			Fields: map[common.SchemaKey]common.SchemaElement{
				"disable_by_default": {
					DataType:     common.SchemaDataTypes.Boolean,
					Description:  "disable new rules by default after the initial subscription",
					DefaultValue: false,
					Label:        "Disable new rules by default",
				},
				"global_suppression_time": {
					DataType:     common.SchemaDataTypes.String,
					Description:  "global suppression period for all detections for rules created by this extension",
					DefaultValue: "",
					Label:        "Global suppression time",
					PlaceHolder:  "24h",
				},
			},
			Requirements: [][]common.SchemaKey{},
		},
		RequestSchema: map[string]common.RequestSchema{
			"update_rules": {
				IsUserFacing:         false,
				ShortDescription:     "update the rules",
				IsImpersonated:       false,
				ParameterDefinitions: common.SchemaObject{},
				ResponseDefinition:   &common.SchemaObject{},
			},
		},
	}

	x.Callbacks = core.ExtensionCallbacks{
		ValidateConfig: func(ctx context.Context, org *limacharlie.Organization, config limacharlie.Dict) common.Response {
			return common.Response{}
		},
		RequestHandlers: map[common.ActionName]core.RequestCallback{
			"update_rules": {
				RequestStruct: &ruleUpdateRequest{},
				Callback: func(ctx context.Context, params core.RequestCallbackParams) common.Response {
					return l.onUpdate(ctx, params.Org, params.Config)
				},
			},
		},
		EventHandlers: map[common.EventName]core.EventCallback{
			common.EventTypes.Subscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				l.Logger.Info(fmt.Sprintf("subscribe to %s", params.Org.GetOID()))

				// We set up a D&R rule for recurring update.
				h := limacharlie.NewHiveClient(params.Org)
				trueValue := true
				if _, err := h.Add(limacharlie.HiveArgs{
					HiveName:     updateRuleHive,
					PartitionKey: params.Org.GetOID(),
					Key:          l.ruleName,
					Data: limacharlie.Dict{
						"detect": limacharlie.Dict{
							"target": "schedule",
							"event":  "12h_per_org",
							"op":     "exists",
							"path":   "event",
						},
						"respond": []limacharlie.Dict{{
							"action":            "extension request",
							"extension name":    l.Name,
							"extension action":  "update_rules",
							"extension request": limacharlie.Dict{},
						}},
					},
					Tags:    []string{l.tag},
					Enabled: &trueValue,
				}); err != nil {
					l.Logger.Error(fmt.Sprintf("failed to add scheduling D&R rule: %s", err.Error()))
					return common.Response{Error: err.Error()}
				}

				// We also push the initial update.
				if resp := l.onInstall(ctx, params.Org, params.Conf); resp.Error != "" {
					return resp
				}

				return common.Response{}
			},
			common.EventTypes.Unsubscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				l.Logger.Info(fmt.Sprintf("unsubscribe from %s", params.Org.GetOID()))

				// Remove the D&R rule we set up.
				h := limacharlie.NewHiveClient(params.Org)
				if _, err := h.Remove(limacharlie.HiveArgs{
					HiveName:     updateRuleHive,
					PartitionKey: params.Org.GetOID(),
					Key:          l.ruleName,
				}); err != nil {
					l.Logger.Error(fmt.Sprintf("failed to remove scheduling D&R rule: %s", err.Error()))
					return common.Response{Error: err.Error()}
				}

				// For every namespace, remove rules with matching tags.
				for namespace := range simplifiedRuleNamespaces {
					namespace = fmt.Sprintf("dr-%s", namespace)
					rules, err := h.ListMtd(limacharlie.HiveArgs{
						HiveName:     namespace,
						PartitionKey: params.Org.GetOID(),
					})
					if err != nil {
						l.Logger.Error(fmt.Sprintf("failed to list rules: %s", err.Error()))
						return common.Response{Error: err.Error()}
					}
					for ruleName, ruleData := range rules {
						isRemove := false
						for _, t := range ruleData.UsrMtd.Tags {
							if t == l.tag {
								isRemove = true
								break
							}
						}
						if !isRemove {
							continue
						}
						if _, err := h.Remove(limacharlie.HiveArgs{
							HiveName:     namespace,
							PartitionKey: params.Org.GetOID(),
							Key:          ruleName,
						}); err != nil {
							l.Logger.Error(fmt.Sprintf("failed to remove rule %s: %s", ruleName, err.Error()))
							return common.Response{Error: err.Error()}
						}
					}
				}

				return common.Response{}
			},
		},
		ErrorHandler: func(errMsg *common.ErrorReportMessage) {
			l.Logger.Error(fmt.Sprintf("error from limacharlie: %s", errMsg.Error))
		},
	}
	// Start processing.
	if err := x.Init(); err != nil {
		return nil, err
	}

	return x, nil
}

func (l *RuleExtension) onUpdate(ctx context.Context, org *limacharlie.Organization, conf limacharlie.Dict) common.Response {
	h := limacharlie.NewHiveClient(org)

	config := ruleConfig{}
	if err := conf.UnMarshalToStruct(&config); err != nil {
		return common.Response{Error: err.Error()}
	}

	wg := sync.WaitGroup{}
	rulesData, err := l.GetRules(ctx)
	if err != nil {
		return common.Response{Error: err.Error()}
	}

	sm := semaphore.NewWeighted(maxConcurrentRuleOps)

	for namespace, rules := range rulesData {
		if _, ok := simplifiedRuleNamespaces[namespace]; !ok {
			l.Logger.Error(fmt.Sprintf("invalid namespace %s", namespace))
			continue
		}
		namespace = fmt.Sprintf("dr-%s", namespace)
		for ruleName, ruleData := range rules {
			ruleName, ruleData := ruleName, ruleData
			if err := sm.Acquire(ctx, 1); err != nil {
				return common.Response{Error: err.Error()}
			}
			l.Logger.Info(fmt.Sprintf("updating rule %s", ruleName))
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sm.Release(1)

				if config.GlobalSuppressionTime != "" {
					ruleData.Data = addSuppression(ruleData.Data, config.GlobalSuppressionTime)
				}

				// We need to do a transactional update to check if the
				// rule exists before we set it.
				if _, err := h.UpdateTx(limacharlie.HiveArgs{
					HiveName:     namespace,
					PartitionKey: org.GetOID(),
					Key:          ruleName,
				}, func(record *limacharlie.HiveData) (*limacharlie.HiveData, error) {
					// If the rule does not exist (null), just add
					// it with the enable by default flag.
					if record == nil {
						return &limacharlie.HiveData{
							Data: ruleData.Data,
							UsrMtd: limacharlie.UsrMtd{
								Enabled: !config.DisableByDefault,
								Tags:    l.mergeTags(ruleData.Tags, []string{}),
							},
						}, nil
					}
					// If the rule exists, only update its data and upsert
					// its tags. That way if the user disabled it or tagged
					// it, we leave it that way.
					record.Data = ruleData.Data
					record.UsrMtd.Tags = l.mergeTags(record.UsrMtd.Tags, ruleData.Tags)
					return record, nil
				}); err != nil {
					l.Logger.Error(fmt.Sprintf("failed to update rule %s: %s", ruleName, err.Error()))
				}
			}()
		}

		// Get the list of rules in prod and check they're all in our local list.
		// If not, we'll remove them.
		rules := rules
		namespace := namespace
		wg.Add(1)
		go func() {
			defer wg.Done()
			existingRules, err := h.ListMtd(limacharlie.HiveArgs{
				HiveName:     namespace,
				PartitionKey: org.GetOID(),
			})
			if err != nil {
				l.Logger.Error(fmt.Sprintf("failed to list rules: %s", err.Error()))
				return
			}
			for ruleName := range existingRules {
				if _, ok := rules[ruleName]; ok {
					continue
				}
				ruleName := ruleName
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := h.Remove(limacharlie.HiveArgs{
						HiveName:     namespace,
						PartitionKey: org.GetOID(),
						Key:          ruleName,
					}); err != nil {
						l.Logger.Error(fmt.Sprintf("failed to remove rule %s: %s", ruleName, err.Error()))
					}
				}()
			}
		}()
	}

	wg.Wait()

	l.Logger.Info("done updating rules")

	return common.Response{}
}

func (l *RuleExtension) onInstall(ctx context.Context, org *limacharlie.Organization, conf limacharlie.Dict) common.Response {
	h := limacharlie.NewHiveClient(org)

	config := ruleConfig{}
	if err := conf.UnMarshalToStruct(&config); err != nil {
		return common.Response{Error: err.Error()}
	}

	wg := sync.WaitGroup{}
	rulesData, err := l.GetRules(ctx)
	if err != nil {
		return common.Response{Error: err.Error()}
	}

	sm := semaphore.NewWeighted(maxConcurrentRuleOps)
	isEnabled := !config.DisableByDefault

	for namespace, rules := range rulesData {
		if _, ok := simplifiedRuleNamespaces[namespace]; !ok {
			l.Logger.Error(fmt.Sprintf("invalid namespace %s", namespace))
			continue
		}
		namespace = fmt.Sprintf("dr-%s", namespace)
		for ruleName, ruleData := range rules {
			ruleName, ruleData := ruleName, ruleData
			if err := sm.Acquire(ctx, 1); err != nil {
				return common.Response{Error: err.Error()}
			}
			l.Logger.Info(fmt.Sprintf("installing rule %s", ruleName))
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sm.Release(1)

				if config.GlobalSuppressionTime != "" {
					ruleData.Data = addSuppression(ruleData.Data, config.GlobalSuppressionTime)
				}

				// On install we just add the rule with the enable by
				// default flag.
				if _, err := h.Add(limacharlie.HiveArgs{
					HiveName:     namespace,
					PartitionKey: org.GetOID(),
					Key:          ruleName,
					Data:         ruleData.Data,
					Enabled:      &isEnabled,
					Tags:         l.mergeTags(ruleData.Tags, []string{}),
				}); err != nil {
					l.Logger.Error(fmt.Sprintf("failed to add rule %s: %s", ruleName, err.Error()))
				}
			}()
		}
	}

	wg.Wait()

	return common.Response{}
}

// addSuppression decorates every "report" respond action with a
// suppression window keyed on the detection name, so one noisy rule
// reports at most once per period.
func addSuppression(rule limacharlie.Dict, period string) limacharlie.Dict {
	responses, ok := rule["respond"].([]interface{})
	if !ok {
		return rule
	}
	for _, r := range responses {
		action, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if action["action"] != "report" {
			continue
		}
		name, _ := action["name"].(string)
		action["suppression"] = limacharlie.Dict{
			"is_global": false,
			"keys":      []string{name},
			"max_count": 1,
			"period":    period,
		}
	}
	return rule
}

func (l *RuleExtension) mergeTags(t1 []string, t2 []string) []string {
	tags := map[string]struct{}{
		l.tag: {}, // Prime with our core tag.
	}
	for _, t := range t1 {
		tags[t] = struct{}{}
	}
	for _, t := range t2 {
		tags[t] = struct{}{}
	}
	res := []string{}
	for t := range tags {
		res = append(res, t)
	}
	return res
}
