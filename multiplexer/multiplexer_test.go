package multiplexer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refractionPOINT/lc-extension-sdk/common"
	"github.com/refractionPOINT/lc-extension-sdk/core"
)

func TestServiceRecordRoundTrip(t *testing.T) {
	record := serviceRecord{
		ProjectID: "my-project",
		Region:    "us-central1",
		URL:       "https://my-ext-9f3888dd.a.run.app",
		Secret:    "0b7b0b47-c1cd-43a7-bcc8-d4a9ad186661",
	}

	parsed, err := parseServiceRecord(record.encode())
	require.NoError(t, err)
	// The URL's own colons must survive the encoding.
	assert.Equal(t, record, parsed)

	_, err = parseServiceRecord("not-enough-parts")
	assert.Error(t, err)
}

func TestServiceKey(t *testing.T) {
	assert.Equal(t, "service:{9f3888dd-ac17-4593-bd8c-efbcac12bfca}", serviceKey("9f3888dd-ac17-4593-bd8c-efbcac12bfca"))
}

func TestForwardHTTPSignsForService(t *testing.T) {
	const serviceSecret = "per-service-secret"

	var receivedSig string
	var receivedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get(core.SignatureHeader)
		receivedBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(common.Response{Version: core.PROTOCOL_VERSION})
	}))
	defer srv.Close()

	m := &Multiplexer{httpClient: srv.Client()}
	svc := serviceRecord{URL: srv.URL, Secret: serviceSecret}

	body := []byte(`{"version":1,"heartbeat":{}}`)
	resp, err := m.forwardHTTP(context.Background(), svc, body)
	require.NoError(t, err)
	assert.Equal(t, uint64(core.PROTOCOL_VERSION), resp.Version)

	mac := hmac.New(sha256.New, []byte(serviceSecret))
	mac.Write(receivedBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), receivedSig)
	assert.Equal(t, body, receivedBody)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MUX_EXTENSION_NAME", "my-ext")
	t.Setenv("MUX_SHARED_SECRET", "s3cret")
	t.Setenv("MUX_REDIS_ADDR", "localhost:6379")
	t.Setenv("MUX_PROVISION_PROJECT_ID", "my-project")
	t.Setenv("MUX_PROVISION_REGION", "us-central1")
	t.Setenv("MUX_REQUEST_SCHEMA", `{"ping":{"short_description":"ping"}}`)
	t.Setenv("MUX_REQUIRED_EVENTS", `["subscribe","unsubscribe"]`)
	t.Setenv("MUX_SERVICE_DEFINITION", `{"image":"gcr.io/p/i","cpu":"1","memory":"512Mi","timeout":300}`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "my-ext", cfg.ExtensionName)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Contains(t, cfg.RequestSchema, "ping")
	assert.Equal(t, []common.EventName{"subscribe", "unsubscribe"}, cfg.RequiredEvents)
	assert.Equal(t, "gcr.io/p/i", cfg.ServiceDefinition.Image)
	assert.EqualValues(t, 300, cfg.ServiceDefinition.Timeout)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("MUX_EXTENSION_NAME", "my-ext")
	// No shared secret.
	_, err := LoadConfig()
	assert.Error(t, err)
}
