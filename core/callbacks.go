package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
)

// Interactive callbacks let an extension issue a follow-up action to
// a sensor and get the asynchronous reply routed back to the right
// in-process function without any shared state: the callback's
// address is embedded in the investigation id the reply carries,
// and every instance holding the shared secret can resolve it.

type CallbackName = string

type InteractiveCallbackParams struct {
	Org *limacharlie.Organization
	OID string
	// The detection event that came back.
	Event limacharlie.Dict
	// The job reopened from the investigation id, nil if the id
	// carried no job.
	Job *common.Job
	// Opaque context the callback issuer put in the id.
	Context string
}

type InteractiveCallback = func(ctx context.Context, params InteractiveCallbackParams) common.Response

// Addresses are deliberately short: they only need to be unique
// within one deployment's callback set, and Init refuses colliding
// sets up front.
const callbackAddressSize = 8

const investigationIDSeparator = "/"

func callbackAddress(secretKey string, name string) string {
	h := sha256.New()
	h.Write([]byte(secretKey))
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))[:callbackAddressSize]
}

func (e *Extension) buildCallbackRegistry() error {
	e.rootInvestigationID = callbackAddress(e.SecretKey, e.ExtensionName)
	e.callbackAddresses = map[CallbackName]string{}
	e.callbackNames = map[string]CallbackName{}

	for name := range e.Callbacks.InteractiveCallbacks {
		address := callbackAddress(e.SecretKey, name)
		if existing, ok := e.callbackNames[address]; ok {
			return fmt.Errorf("callback address collision between %q and %q", existing, name)
		}
		e.callbackAddresses[name] = address
		e.callbackNames[address] = name
	}
	return nil
}

// RootInvestigationID is the stable prefix identifying this
// extension's interactive workflows.
func (e *Extension) RootInvestigationID() string {
	return e.rootInvestigationID
}

// AddressFor returns the opaque address of a registered callback.
func (e *Extension) AddressFor(name CallbackName) (string, bool) {
	address, ok := e.callbackAddresses[name]
	return address, ok
}

// ResolveCallbackAddress maps an address back to the callback name
// it was derived from.
func (e *Extension) ResolveCallbackAddress(address string) (CallbackName, bool) {
	name, ok := e.callbackNames[address]
	return name, ok
}

// NewInvestigationID builds the composite id to tag a follow-up
// action with: root/address/jobID/context. When the asynchronous
// reply comes back as a detection, any instance can parse it and
// resume the workflow.
func (e *Extension) NewInvestigationID(name CallbackName, job *common.Job, contextData string) (string, error) {
	address, ok := e.AddressFor(name)
	if !ok {
		return "", fmt.Errorf("unknown interactive callback %q", name)
	}
	jobID := ""
	if job != nil {
		jobID = job.GetID()
	}
	return strings.Join([]string{e.rootInvestigationID, address, jobID, contextData}, investigationIDSeparator), nil
}

// parseInvestigationID splits the part after the root id into its
// fixed arity components. The context tail may itself contain the
// separator.
func parseInvestigationID(rest string) (address string, jobID string, contextData string, ok bool) {
	parts := strings.SplitN(rest, investigationIDSeparator, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// handleInteractiveReply checks whether a detection is the reply leg
// of one of our interactive callbacks and, if so, dispatches it.
// Returns false when the detection is not ours and should go through
// the generic event handler instead.
func (e *Extension) handleInteractiveReply(ctx context.Context, org *limacharlie.Organization, event *common.EventMessage) (common.Response, bool) {
	invID := detectionInvestigationID(event.Data)
	if invID == "" || !strings.HasPrefix(invID, e.rootInvestigationID+investigationIDSeparator) {
		return common.Response{}, false
	}

	rest := invID[len(e.rootInvestigationID)+len(investigationIDSeparator):]
	address, jobID, contextData, ok := parseInvestigationID(rest)
	if !ok {
		// It claims to be ours but does not parse: treat like any
		// other unknown capability rather than crashing.
		return e.unknownCapability(event.Org.OID, "event", fmt.Sprintf("malformed investigation id '%s'", invID)), true
	}

	name, ok := e.ResolveCallbackAddress(address)
	if !ok {
		return e.unknownCapability(event.Org.OID, "event", fmt.Sprintf("unknown callback address '%s'", address)), true
	}
	callback := e.Callbacks.InteractiveCallbacks[name]

	var job *common.Job
	if jobID != "" {
		job = common.OpenJob(jobID)
	}

	return e.runProtected("event", fmt.Sprintf("callback '%s'", name), func() common.Response {
		return callback(ctx, InteractiveCallbackParams{
			Org:     org,
			OID:     event.Org.OID,
			Event:   event.Data,
			Job:     job,
			Context: contextData,
		})
	}), true
}

// detectionInvestigationID digs the investigation id out of a
// detection event, either at the top level or under routing.
func detectionInvestigationID(data limacharlie.Dict) string {
	if invID, ok := data["inv_id"].(string); ok {
		return invID
	}
	routing, ok := data["routing"].(map[string]interface{})
	if !ok {
		return ""
	}
	invID, _ := routing["investigation_id"].(string)
	return invID
}
