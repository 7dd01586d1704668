package multiplexer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
	"github.com/refractionPOINT/lc-extension-sdk/core"

	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/durationpb"
)

// The multiplexer is a passthrough extension: it exposes the schemas
// of a real extension and fans every message out to a per-tenant
// Cloud Run service running that extension. Tenants get provisioned
// a dedicated service on subscribe and torn down on unsubscribe. The
// service registry lives in redis so any multiplexer instance can
// route for any tenant.

// ServiceDefinition describes the Cloud Run service provisioned for
// each tenant.
type ServiceDefinition struct {
	Image        string   `json:"image"`
	Env          []string `json:"env"`
	CPU          string   `json:"cpu"`
	Memory       string   `json:"memory"`
	MinInstances int32    `json:"min_instances"`
	MaxInstances int32    `json:"max_instances"`
	Timeout      int32    `json:"timeout"`
}

type Multiplexer struct {
	core.Extension
	limacharlie.LCLoggerGCP

	redisClient *redis.Client

	// Where new per-tenant services get provisioned.
	provisionProjectID string
	provisionRegion    string

	serviceDefinition ServiceDefinition

	httpClient *http.Client
}

func New(cfg *Config) (*Multiplexer, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	m := &Multiplexer{
		Extension: core.Extension{
			ExtensionName:  cfg.ExtensionName,
			SecretKey:      cfg.SharedSecret,
			ConfigSchema:   cfg.ConfigSchema,
			RequestSchema:  cfg.RequestSchema,
			ViewsSchema:    cfg.ViewsSchema,
			RequiredEvents: cfg.RequiredEvents,
		},
		LCLoggerGCP:        limacharlie.LCLoggerGCP{},
		redisClient:        redisClient,
		provisionProjectID: cfg.ProvisionProjectID,
		provisionRegion:    cfg.ProvisionRegion,
		serviceDefinition:  cfg.ServiceDefinition,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}

	// The callbacks are assembled from the proxied extension's
	// declared schemas so we stay a generic passthrough.
	requestHandlers := map[common.ActionName]core.RequestCallback{}
	for name := range m.RequestSchema {
		name := name
		requestHandlers[name] = core.RequestCallback{
			RequestStruct: nil, // By keeping this nil, we will unmarshal into a dict.
			Callback: func(ctx context.Context, params core.RequestCallbackParams) common.Response {
				return m.onGenericRequest(ctx, name, params)
			},
		}
	}

	eventHandlers := map[common.EventName]core.EventCallback{}
	for _, event := range append([]common.EventName{
		common.EventTypes.Subscribe,
		common.EventTypes.Unsubscribe,
	}, m.RequiredEvents...) {
		event := event
		eventHandlers[event] = func(ctx context.Context, params core.EventCallbackParams) common.Response {
			return m.onGenericEvent(ctx, event, params)
		}
	}

	m.Callbacks = core.ExtensionCallbacks{
		ValidateConfig: func(ctx context.Context, org *limacharlie.Organization, config limacharlie.Dict) common.Response {
			m.Info(fmt.Sprintf("validate config from %s", org.GetOID()))
			svc, err := m.getService(ctx, org.GetOID())
			if err != nil {
				return common.Response{
					Error: fmt.Sprintf("failed to get service: %v", err),
				}
			}
			response, err := m.forwardConfigValidation(ctx, org, svc, config)
			if err != nil {
				return common.Response{
					Error: fmt.Sprintf("failed to forward config validation: %v", err),
				}
			}
			return *response
		},
		RequestHandlers: requestHandlers,
		EventHandlers:   eventHandlers,
		ErrorHandler: func(erm *common.ErrorReportMessage) {
			m.Error(fmt.Sprintf("error: %s", erm.Error))
		},
	}

	if err := m.Init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Multiplexer) onGenericRequest(ctx context.Context, actionName common.ActionName, params core.RequestCallbackParams) common.Response {
	response, err := m.forwardRequest(ctx, actionName, params)
	if err != nil {
		return common.Response{
			Error: fmt.Sprintf("failed to forward request: %v", err),
		}
	}
	return *response
}

func (m *Multiplexer) onGenericEvent(ctx context.Context, eventName common.EventName, params core.EventCallbackParams) common.Response {
	// Subscribe provisions the tenant's service, unsubscribe tears it
	// down. The event itself is forwarded in both cases.
	if eventName == common.EventTypes.Subscribe {
		if _, err := m.createService(ctx, params.Org.GetOID()); err != nil {
			return common.Response{
				Error: fmt.Sprintf("failed to create service: %v", err),
			}
		}
	}

	response, err := m.forwardEvent(ctx, eventName, params)
	if err != nil {
		return common.Response{
			Error: fmt.Sprintf("failed to forward event: %v", err),
		}
	}

	if eventName == common.EventTypes.Unsubscribe {
		if err := m.deleteService(ctx, params.Org.GetOID()); err != nil {
			return common.Response{
				Error: fmt.Sprintf("failed to delete service: %v", err),
			}
		}
	}
	return *response
}

// The registry maps service:{OID} to "projectID:region:secret:url".
// The project is part of the value because there is a maximum number
// of Cloud Run services per project, so tenants may spread over
// several projects. The secret is generated per service and is only
// ever shared between the multiplexer and that one service. The URL
// goes last so its own colons survive the split.
type serviceRecord struct {
	ProjectID string
	Region    string
	URL       string
	Secret    string
}

func serviceKey(oid string) string {
	return fmt.Sprintf("service:{%s}", oid)
}

func parseServiceRecord(value string) (serviceRecord, error) {
	parts := strings.SplitN(value, ":", 4)
	if len(parts) != 4 {
		return serviceRecord{}, fmt.Errorf("malformed service record")
	}
	return serviceRecord{
		ProjectID: parts[0],
		Region:    parts[1],
		Secret:    parts[2],
		URL:       parts[3],
	}, nil
}

func (r serviceRecord) encode() string {
	return strings.Join([]string{r.ProjectID, r.Region, r.Secret, r.URL}, ":")
}

func (m *Multiplexer) generateServiceName(oid string) string {
	return fmt.Sprintf("%s-%s", m.ExtensionName, oid)
}

func (m *Multiplexer) getService(ctx context.Context, oid string) (serviceRecord, error) {
	value, err := m.redisClient.Get(ctx, serviceKey(oid)).Result()
	if err != nil {
		return serviceRecord{}, err
	}
	return parseServiceRecord(value)
}

func (m *Multiplexer) createService(ctx context.Context, oid string) (serviceRecord, error) {
	serviceName := m.generateServiceName(oid)
	serviceSecret := uuid.NewString()

	runClient, err := run.NewServicesClient(ctx)
	if err != nil {
		return serviceRecord{}, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	defer runClient.Close()

	service := &runpb.Service{
		Template: &runpb.RevisionTemplate{
			Containers: []*runpb.Container{
				{
					Image: m.serviceDefinition.Image,
					Resources: &runpb.ResourceRequirements{
						Limits: map[string]string{
							"cpu":    m.serviceDefinition.CPU,
							"memory": m.serviceDefinition.Memory,
						},
					},
					Env: m.serviceEnv(serviceSecret),
				},
			},
			Timeout: durationpb.New(time.Duration(m.serviceDefinition.Timeout) * time.Second),
			Scaling: &runpb.RevisionScaling{
				MinInstanceCount: m.serviceDefinition.MinInstances,
				MaxInstanceCount: m.serviceDefinition.MaxInstances,
			},
		},
	}

	op, err := runClient.CreateService(ctx, &runpb.CreateServiceRequest{
		Parent:    fmt.Sprintf("projects/%s/locations/%s", m.provisionProjectID, m.provisionRegion),
		ServiceId: serviceName,
		Service:   service,
	})
	if err != nil {
		return serviceRecord{}, fmt.Errorf("failed to create service: %w", err)
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return serviceRecord{}, fmt.Errorf("failed to wait for service creation: %w", err)
	}

	record := serviceRecord{
		ProjectID: m.provisionProjectID,
		Region:    m.provisionRegion,
		URL:       resp.Uri,
		Secret:    serviceSecret,
	}
	if err := m.redisClient.Set(ctx, serviceKey(oid), record.encode(), 0).Err(); err != nil {
		// If we fail to store in redis, try to clean up the service.
		if _, err := runClient.DeleteService(ctx, &runpb.DeleteServiceRequest{Name: resp.Name}); err != nil {
			m.Error(fmt.Sprintf("failed to cleanup service after redis error: %v", err))
		}
		return serviceRecord{}, fmt.Errorf("failed to store service in redis: %w", err)
	}

	return record, nil
}

// serviceEnv builds the provisioned container's environment from the
// definition, with the per-service secret injected so the service
// only trusts this multiplexer.
func (m *Multiplexer) serviceEnv(serviceSecret string) []*runpb.EnvVar {
	env := []*runpb.EnvVar{}
	for _, envStr := range m.serviceDefinition.Env {
		parts := strings.SplitN(envStr, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env = append(env, &runpb.EnvVar{
			Name: parts[0],
			Values: &runpb.EnvVar_Value{
				Value: parts[1],
			},
		})
	}
	env = append(env, &runpb.EnvVar{
		Name: "SHARED_SECRET",
		Values: &runpb.EnvVar_Value{
			Value: serviceSecret,
		},
	})
	return env
}

func (m *Multiplexer) deleteService(ctx context.Context, oid string) error {
	svc, err := m.getService(ctx, oid)
	if err != nil {
		return err
	}

	runClient, err := run.NewServicesClient(ctx)
	if err != nil {
		return err
	}
	defer runClient.Close()

	if _, err = runClient.DeleteService(ctx, &runpb.DeleteServiceRequest{
		Name: fmt.Sprintf("projects/%s/locations/%s/services/%s", svc.ProjectID, svc.Region, m.generateServiceName(oid)),
	}); err != nil {
		return err
	}
	return m.redisClient.Del(ctx, serviceKey(oid)).Err()
}

func (m *Multiplexer) forwardRequest(ctx context.Context, action string, params core.RequestCallbackParams) (*common.Response, error) {
	svc, err := m.getService(ctx, params.Org.GetOID())
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	newReq := common.Message{
		Version:        core.PROTOCOL_VERSION,
		IdempotencyKey: params.IdempotentKey,
		Request: &common.RequestMessage{
			Org: common.OrgAccessData{
				OID: params.Org.GetOID(),
				JWT: params.Org.GetCurrentJWT(),
			},
			Action: action,
			Data:   params.Request.(limacharlie.Dict),
			Config: params.Config,
		},
	}
	body, err := json.Marshal(newReq)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return m.forwardHTTP(ctx, svc, body)
}

func (m *Multiplexer) forwardConfigValidation(ctx context.Context, org *limacharlie.Organization, svc serviceRecord, config limacharlie.Dict) (*common.Response, error) {
	newReq := common.Message{
		Version: core.PROTOCOL_VERSION,
		ConfigValidation: &common.ConfigValidationMessage{
			Org: common.OrgAccessData{
				OID: org.GetOID(),
				JWT: org.GetCurrentJWT(),
			},
			Config: config,
		},
	}
	body, err := json.Marshal(newReq)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return m.forwardHTTP(ctx, svc, body)
}

func (m *Multiplexer) forwardEvent(ctx context.Context, eventName common.EventName, params core.EventCallbackParams) (*common.Response, error) {
	svc, err := m.getService(ctx, params.Org.GetOID())
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	newReq := common.Message{
		Version:        core.PROTOCOL_VERSION,
		IdempotencyKey: params.IdempotentKey,
		Event: &common.EventMessage{
			Org: common.OrgAccessData{
				OID: params.Org.GetOID(),
				JWT: params.Org.GetCurrentJWT(),
			},
			EventName: eventName,
			Data:      params.Data,
			Config:    params.Conf,
		},
	}
	body, err := json.Marshal(newReq)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return m.forwardHTTP(ctx, svc, body)
}

func (m *Multiplexer) forwardHTTP(ctx context.Context, svc serviceRecord, body []byte) (*common.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	httpReq.Header.Set(core.SignatureHeader, signPayload(svc.Secret, body))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http.Do: %w", err)
	}
	defer resp.Body.Close()

	response := &common.Response{}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return nil, fmt.Errorf("json.Decode: %w", err)
	}

	return response, nil
}

func signPayload(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
