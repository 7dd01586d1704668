package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
)

func TestCallbackAddressing(t *testing.T) {
	e := newTestExtension(t)

	address, ok := e.AddressFor("sensor_reply")
	if !ok {
		t.Fatal("expected registered callback to have an address")
	}
	if len(address) != callbackAddressSize {
		t.Errorf("expected %d char address, got %q", callbackAddressSize, address)
	}
	if name, ok := e.ResolveCallbackAddress(address); !ok || name != "sensor_reply" {
		t.Errorf("address did not resolve back: %q %v", name, ok)
	}

	// Derivation depends only on the secret and the name, so a second
	// instance with the same secret resolves the same address.
	e2 := newTestExtension(t)
	address2, _ := e2.AddressFor("sensor_reply")
	if address != address2 {
		t.Errorf("addresses differ across instances: %q vs %q", address, address2)
	}
	if e.RootInvestigationID() != e2.RootInvestigationID() {
		t.Error("root investigation ids differ across instances")
	}

	if _, ok := e.AddressFor("never_registered"); ok {
		t.Error("expected miss for unregistered callback")
	}
}

func TestInvestigationIDRoundTrip(t *testing.T) {
	e := newTestExtension(t)

	job := common.NewJob()
	invID, err := e.NewInvestigationID("sensor_reply", job, "step=2/phase=isolate")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(invID, e.RootInvestigationID()+"/") {
		t.Errorf("id missing root prefix: %q", invID)
	}

	rest := strings.TrimPrefix(invID, e.RootInvestigationID()+"/")
	address, jobID, contextData, ok := parseInvestigationID(rest)
	if !ok {
		t.Fatalf("id did not parse: %q", invID)
	}
	expected, _ := e.AddressFor("sensor_reply")
	if address != expected {
		t.Errorf("wrong address: %q", address)
	}
	if jobID != job.GetID() {
		t.Errorf("wrong job id: %q", jobID)
	}
	// The context tail keeps its own separators intact.
	if contextData != "step=2/phase=isolate" {
		t.Errorf("wrong context: %q", contextData)
	}

	if _, err := e.NewInvestigationID("never_registered", nil, ""); err == nil {
		t.Error("expected error for unregistered callback")
	}
}

func detectionEnvelope(invID string) []byte {
	m := common.Message{
		Version: PROTOCOL_VERSION,
		Event: &common.EventMessage{
			Org:       common.OrgAccessData{OID: testOID, JWT: "j1"},
			EventName: common.EventTypes.Detection,
			Data: limacharlie.Dict{
				"cat": "SUSPICIOUS_EXEC",
				"routing": map[string]interface{}{
					"investigation_id": invID,
				},
			},
		},
	}
	d, _ := json.Marshal(&m)
	return d
}

func TestInteractiveReplyDispatch(t *testing.T) {
	e := newTestExtension(t)

	job := common.NewJob()
	invID, err := e.NewInvestigationID("sensor_reply", job, "ctx-data")
	if err != nil {
		t.Fatal(err)
	}

	status, resp := doSigned(t, e, detectionEnvelope(invID))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object data, got %T", resp.Data)
	}
	if data["callback_context"] != "ctx-data" {
		t.Errorf("callback did not receive context: %v", data["callback_context"])
	}
	if data["job_id"] != job.GetID() {
		t.Errorf("callback did not receive reopened job: %v", data["job_id"])
	}
}

func TestInteractiveReplyWithoutJob(t *testing.T) {
	e := newTestExtension(t)

	invID, err := e.NewInvestigationID("sensor_reply", nil, "c1")
	if err != nil {
		t.Fatal(err)
	}

	status, resp := doSigned(t, e, detectionEnvelope(invID))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if _, ok := data["job_id"]; ok {
		t.Error("expected no job for an id without one")
	}
}

func TestForeignDetectionFallsThrough(t *testing.T) {
	e := newTestExtension(t)

	// An investigation id without our root goes to the generic
	// detection handler.
	status, resp := doSigned(t, e, detectionEnvelope("someone-elses-investigation"))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if data["handled_by"] != "generic" {
		t.Errorf("expected generic handler, got %v", data)
	}
}

func TestMalformedInvestigationID(t *testing.T) {
	e := newTestExtension(t)

	invID := e.RootInvestigationID() + "/only-one-part"
	status, resp := doSigned(t, e, detectionEnvelope(invID))
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if !strings.Contains(resp.Error, "malformed investigation id") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestUnknownCallbackAddress(t *testing.T) {
	e := newTestExtension(t)

	invID := fmt.Sprintf("%s/deadbeef/j1/c1", e.RootInvestigationID())
	status, resp := doSigned(t, e, detectionEnvelope(invID))
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if !strings.Contains(resp.Error, "unknown callback address 'deadbeef'") {
		t.Errorf("unexpected error: %s", resp.Error)
	}
}

func TestDetectionTopLevelInvID(t *testing.T) {
	got := detectionInvestigationID(limacharlie.Dict{"inv_id": "top-level"})
	if got != "top-level" {
		t.Errorf("expected top level id, got %q", got)
	}
	got = detectionInvestigationID(limacharlie.Dict{"no": "id"})
	if got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}
