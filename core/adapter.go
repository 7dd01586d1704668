package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

// The webhook adapter is the out-of-band channel: handlers push
// asynchronously generated results (like detections) through it
// instead of the request/response cycle.

// CreateExtensionAdapter provisions the tenant-side webhook sensor
// this extension reports through, along with its installation key.
func (e *Extension) CreateExtensionAdapter(o *limacharlie.Organization, optMapping limacharlie.Dict) error {
	privateTag := e.GetExtensionPrivateTag()
	installationKey, err := o.AddInstallationKey(limacharlie.InstallationKey{
		Description: e.getExtensionAdapterInstallationKeyDesc(),
		Tags:        []string{"lc:system", privateTag},
	})
	if err != nil {
		return fmt.Errorf("failed to create installation key for webhook adapter: %w", err)
	}

	oid := o.GetOID()
	isTrue := true
	hc := limacharlie.NewHiveClient(o)

	if optMapping == nil {
		optMapping = limacharlie.Dict{}
	}

	if _, err = hc.Add(limacharlie.HiveArgs{
		HiveName:     "cloud_sensor",
		PartitionKey: oid,
		Key:          e.ExtensionName,
		Enabled:      &isTrue,
		Tags:         []string{"lc:system", privateTag},
		Data: limacharlie.Dict{
			"sensor_type": "webhook",
			"webhook": limacharlie.Dict{
				"secret": e.generateWebhookSecretForOrg(oid),
				"client_options": limacharlie.Dict{
					"hostname": e.ExtensionName,
					"identity": limacharlie.Dict{
						"oid":              oid,
						"installation_key": installationKey,
					},
					"platform":        "json",
					"sensor_seed_key": e.ExtensionName,
					"mapping":         optMapping,
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to create webhook adapter: %w", err)
	}
	return nil
}

func (e *Extension) DeleteExtensionAdapter(o *limacharlie.Organization) error {
	privateTag := e.GetExtensionPrivateTag()

	hc := limacharlie.NewHiveClient(o)
	if _, err := hc.Remove(limacharlie.HiveArgs{
		HiveName:     "cloud_sensor",
		PartitionKey: o.GetOID(),
		Key:          e.ExtensionName,
	}); err != nil && !strings.Contains(err.Error(), "RECORD_NOT_FOUND") {
		return fmt.Errorf("failed to del webhook: %w", err)
	}

	keys, err := o.InstallationKeys()
	if err != nil {
		return fmt.Errorf("failed to list installation keys: %w", err)
	}

	instKeyDesc := e.getExtensionAdapterInstallationKeyDesc()

	for _, key := range keys {
		if key.Description != instKeyDesc {
			continue
		}
		isTagFound := false
		for _, t := range key.Tags {
			if t == privateTag {
				isTagFound = true
				break
			}
		}
		if !isTagFound {
			continue
		}
		if err := o.DelInstallationKey(key.ID); err != nil {
			return fmt.Errorf("failed to delete installation key: %w", err)
		}
	}
	return nil
}

// The per-tenant webhook secret is derived, not stored: any instance
// holding the shared secret can reconstruct it without a lookup.
// The flip side is that the shared secret's compromise allows
// forging sends to any tenant's adapter, so it must stay secret.
func (e *Extension) generateWebhookSecretForOrg(oid string) string {
	h := sha256.New()
	h.Write([]byte(e.SecretKey))
	h.Write([]byte(oid))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Extension) getExtensionAdapterInstallationKeyDesc() string {
	return fmt.Sprintf("ext %s webhook adapter", e.ExtensionName)
}

// Default webhook sender constructor. Only to be overridden by tests.
var newWebhookSenderFunc = func(o *limacharlie.Organization, name string, secret string) (*limacharlie.WebhookSender, error) {
	return o.NewWebhookSender(name, secret)
}

// getAdapterClient memoizes one sender per tenant. The double-check
// happens under the write lock so concurrent callers construct
// exactly one sender.
func (e *Extension) getAdapterClient(o *limacharlie.Organization) (*limacharlie.WebhookSender, error) {
	oid := o.GetOID()

	e.mWebhooks.RLock()
	c, ok := e.whClients[oid]
	e.mWebhooks.RUnlock()

	if ok {
		return c, nil
	}

	e.mWebhooks.Lock()
	defer e.mWebhooks.Unlock()
	if c, ok = e.whClients[oid]; ok {
		return c, nil
	}

	newClient, err := newWebhookSenderFunc(o, e.ExtensionName, e.generateWebhookSecretForOrg(oid))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook client: %w", err)
	}
	e.whClients[oid] = newClient
	return newClient, nil
}

// SendToWebhookAdapter pushes a payload to the tenant's adapter.
// Failures surface to the caller, there is no internal retry.
func (e *Extension) SendToWebhookAdapter(o *limacharlie.Organization, data interface{}) error {
	whClient, err := e.getAdapterClient(o)
	if err != nil {
		return err
	}
	if err := whClient.Send(data); err != nil {
		return fmt.Errorf("failed to send to webhook adapter: %w", err)
	}
	return nil
}
