package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

func testOrg(t *testing.T, oid string) *limacharlie.Organization {
	t.Helper()
	org, err := limacharlie.NewOrganizationFromClientOptions(limacharlie.ClientOptions{
		OID: oid,
		JWT: "j1",
	}, nil)
	if err != nil {
		t.Fatalf("failed to create org: %v", err)
	}
	return org
}

func TestWebhookSecretDerivation(t *testing.T) {
	e := newTestExtension(t)

	h := sha256.New()
	h.Write([]byte(testSecret))
	h.Write([]byte(testOID))
	expected := hex.EncodeToString(h.Sum(nil))

	if got := e.generateWebhookSecretForOrg(testOID); got != expected {
		t.Errorf("unexpected secret: %s", got)
	}
	// Different tenant, different secret.
	if e.generateWebhookSecretForOrg("0b7b0b47-c1cd-43a7-bcc8-d4a9ad186661") == expected {
		t.Error("expected per-tenant secrets to differ")
	}
}

func TestAdapterClientMemoization(t *testing.T) {
	e := newTestExtension(t)

	constructions := int64(0)
	prev := newWebhookSenderFunc
	newWebhookSenderFunc = func(o *limacharlie.Organization, name string, secret string) (*limacharlie.WebhookSender, error) {
		atomic.AddInt64(&constructions, 1)
		return &limacharlie.WebhookSender{}, nil
	}
	defer func() { newWebhookSenderFunc = prev }()

	org := testOrg(t, testOID)
	defer org.Close()

	clients := make([]*limacharlie.WebhookSender, 16)
	wg := sync.WaitGroup{}
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.getAdapterClient(org)
			if err != nil {
				t.Errorf("getAdapterClient: %v", err)
				return
			}
			clients[i] = c
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt64(&constructions); n != 1 {
		t.Errorf("expected exactly one construction, got %d", n)
	}
	for i := 1; i < len(clients); i++ {
		if clients[i] != clients[0] {
			t.Fatalf("caller %d got a different sender instance", i)
		}
	}

	// A second tenant gets its own sender.
	org2 := testOrg(t, "0b7b0b47-c1cd-43a7-bcc8-d4a9ad186661")
	defer org2.Close()
	c2, err := e.getAdapterClient(org2)
	if err != nil {
		t.Fatal(err)
	}
	if c2 == clients[0] {
		t.Error("expected a distinct sender per tenant")
	}
	if n := atomic.LoadInt64(&constructions); n != 2 {
		t.Errorf("expected two constructions, got %d", n)
	}
}

func TestAdapterClientConstructionFailure(t *testing.T) {
	e := newTestExtension(t)

	prev := newWebhookSenderFunc
	newWebhookSenderFunc = func(o *limacharlie.Organization, name string, secret string) (*limacharlie.WebhookSender, error) {
		return nil, fmt.Errorf("no route to cloud")
	}
	defer func() { newWebhookSenderFunc = prev }()

	org := testOrg(t, testOID)
	defer org.Close()

	if err := e.SendToWebhookAdapter(org, limacharlie.Dict{"k": "v"}); err == nil {
		t.Error("expected construction failure to surface")
	}
	// A failed construction must not poison the cache.
	e.mWebhooks.RLock()
	_, cached := e.whClients[testOID]
	e.mWebhooks.RUnlock()
	if cached {
		t.Error("failed construction left an entry in the pool")
	}
}
