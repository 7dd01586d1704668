package core

import (
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
)

//revive:disable:var-naming
const PROTOCOL_VERSION = 20221218

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "lc-ext-sig"

// Extension is the protocol engine. Declare the schemas and the
// handler tables, call Init once, then serve it as an http.Handler.
type Extension struct {
	ExtensionName string
	SecretKey     string
	Callbacks     ExtensionCallbacks

	ViewsSchema    []common.View
	ConfigSchema   common.SchemaObject
	RequestSchema  common.RequestSchemas
	RequiredEvents []common.EventName

	// Defaults to the lock-guarded JSON line logger.
	Logger limacharlie.LCLogger

	whClients map[string]*limacharlie.WebhookSender
	mWebhooks sync.RWMutex

	// Secret-derived addressing for interactive callbacks, built
	// once at Init. Any instance holding the same secret resolves
	// the same addresses, which is what lets a multi-step workflow
	// resume on a different instance than the one that started it.
	rootInvestigationID string
	callbackAddresses   map[CallbackName]string
	callbackNames       map[string]CallbackName

	mStats     sync.Mutex
	inProgress int

	isLogAllErrors bool
	isLogRequests  bool
	isLogResponses bool
}

type ExtensionResponse struct {
	Error error
	Data  limacharlie.Dict
}

type ExtensionCallbacks struct {
	ValidateConfig       func(context.Context, *limacharlie.Organization, limacharlie.Dict) common.Response // Optional
	RequestHandlers      map[common.ActionName]RequestCallback                                              // Optional
	EventHandlers        map[common.EventName]EventCallback
	InteractiveCallbacks map[CallbackName]InteractiveCallback // Optional
	ErrorHandler         func(*common.ErrorReportMessage)
}

type RequestCallbackParams struct {
	Org             *limacharlie.Organization
	Ident           string
	Request         interface{}
	Config          limacharlie.Dict
	IdempotentKey   string
	ResourceState   map[string]common.ResourceState
	InvestigationID string
}

type RequestCallback struct {
	RequestStruct interface{}
	Callback      func(ctx context.Context, params RequestCallbackParams) common.Response
}

type EventCallbackParams struct {
	Org           *limacharlie.Organization
	Data          limacharlie.Dict
	Conf          limacharlie.Dict
	IdempotentKey string
}

type EventCallback = func(ctx context.Context, params EventCallbackParams) common.Response

func (e *Extension) Init() error {
	e.whClients = map[string]*limacharlie.WebhookSender{}
	e.isLogAllErrors = os.Getenv("LC_EXTENSION_LOG_ALL_ERRORS") != ""
	e.isLogRequests = os.Getenv("LC_EXTENSION_LOG_REQUESTS") != ""
	e.isLogResponses = os.Getenv("LC_EXTENSION_LOG_RESPONSES") != ""

	if e.Logger == nil {
		e.Logger = NewLockedLogger(e.ExtensionName)
	}
	if e.Callbacks.ErrorHandler == nil {
		e.Callbacks.ErrorHandler = func(erm *common.ErrorReportMessage) {
			e.Logger.Error(fmt.Sprintf("error report for %s: %s", erm.Oid, erm.Error))
		}
	}

	// Fail fast on request handlers the declared schema does not
	// know about, the platform would never be able to issue them.
	for action := range e.Callbacks.RequestHandlers {
		if _, ok := e.RequestSchema[action]; !ok {
			return fmt.Errorf("request handler %q has no entry in the request schema", action)
		}
	}

	if err := e.buildCallbackRegistry(); err != nil {
		return err
	}
	return nil
}

func (e *Extension) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	ctx := r.Context()
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		// No signature means this is a health probe, not a
		// protocol message.
		e.respondAndLog(w, http.StatusOK, limacharlie.Dict{}) //nolint:errcheck
		return
	}

	response := common.Response{Version: PROTOCOL_VERSION}

	var body io.ReadCloser
	var err error
	body = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		if body, err = gzip.NewReader(r.Body); err != nil {
			response.Error = err.Error()
			e.respondAndLog(w, http.StatusBadRequest, &response) //nolint:errcheck
			return
		}
		defer body.Close()
	}

	requestData, err := io.ReadAll(body)
	if err != nil {
		response.Error = fmt.Sprintf("failed reading body: %v", err)
		e.respondAndLog(w, http.StatusNoContent, &response) //nolint:errcheck
		return
	}

	if !verifyOrigin(requestData, signature, []byte(e.SecretKey)) {
		response.Error = "invalid signature"
		e.Callbacks.ErrorHandler(&common.ErrorReportMessage{Error: response.Error})
		e.respondAndLog(w, http.StatusUnauthorized, &response) //nolint:errcheck
		return
	}

	if e.isLogRequests {
		e.Logger.Info(fmt.Sprintf("request: %s", string(requestData)))
	}

	message := common.Message{}
	if err := json.Unmarshal(requestData, &message); err != nil {
		response.Error = fmt.Sprintf("invalid json body: %v", err)
		e.respondAndLog(w, http.StatusBadRequest, &response) //nolint:errcheck
		return
	}

	response, status := e.dispatch(ctx, &message)
	response.Version = PROTOCOL_VERSION
	e.respondAndLog(w, status, &response) //nolint:errcheck
}

// dispatch routes a decoded envelope to the right handler and maps
// the outcome to an HTTP status. All handler failures are contained
// to the returned Response, nothing propagates as a panic.
func (e *Extension) dispatch(ctx context.Context, message *common.Message) (common.Response, int) {
	var response common.Response

	switch {
	case message.HeartBeat != nil:
		statMessages.WithLabelValues("heartbeat", "ok").Inc()
		return common.Response{}, http.StatusOK

	case message.SchemaRequest != nil:
		// Required events are the union of the registered event
		// handlers and the declared list.
		seen := map[common.EventName]struct{}{}
		requiredEvents := make([]common.EventName, 0, len(e.Callbacks.EventHandlers)+len(e.RequiredEvents))
		for handler := range e.Callbacks.EventHandlers {
			seen[handler] = struct{}{}
			requiredEvents = append(requiredEvents, handler)
		}
		for _, eventName := range e.RequiredEvents {
			if _, ok := seen[eventName]; ok {
				continue
			}
			seen[eventName] = struct{}{}
			requiredEvents = append(requiredEvents, eventName)
		}
		statMessages.WithLabelValues("schema_request", "ok").Inc()
		return common.Response{
			Data: &common.SchemaRequestResponse{
				Views:          e.ViewsSchema,
				Config:         e.ConfigSchema,
				Request:        e.RequestSchema,
				RequiredEvents: requiredEvents,
			},
		}, http.StatusOK

	case message.ErrorReport != nil:
		e.Callbacks.ErrorHandler(message.ErrorReport)
		statMessages.WithLabelValues("error_report", "ok").Inc()
		return common.Response{}, http.StatusOK

	case message.ConfigValidation != nil:
		response = e.handleConfigValidation(ctx, message)

	case message.Request != nil:
		response = e.handleRequest(ctx, message)

	case message.Event != nil:
		response = e.handleEvent(ctx, message)

	default:
		// Empty envelope: decoded fine but there is nothing in it.
		statMessages.WithLabelValues("none", "error").Inc()
		return common.Response{Error: "no data in request"}, http.StatusBadRequest
	}

	if response.Error != "" {
		if response.IsRetriable() {
			return response, http.StatusServiceUnavailable
		}
		return response, http.StatusInternalServerError
	}
	return response, http.StatusOK
}

func (e *Extension) handleConfigValidation(ctx context.Context, message *common.Message) common.Response {
	org, err := e.generateSDK(message.ConfigValidation.Org)
	if err != nil {
		return e.sdkFailure(message.ConfigValidation.Org.OID, err)
	}
	defer org.Close()

	if e.Callbacks.ValidateConfig == nil {
		return common.Response{}
	}
	// A validation rejection is an expected outcome, it is not
	// logged critical like a handler fault would be.
	return e.runProtected("conf_validation", "config validation", func() common.Response {
		return e.Callbacks.ValidateConfig(ctx, org, message.ConfigValidation.Config)
	})
}

func (e *Extension) handleRequest(ctx context.Context, message *common.Message) common.Response {
	request := message.Request

	rcb, ok := e.Callbacks.RequestHandlers[request.Action]
	if !ok {
		return e.unknownCapability(request.Org.OID, "request", fmt.Sprintf("unknown action '%s'", request.Action))
	}

	if errResp := e.checkRequiredFields(request.Action, request.Data); errResp != nil {
		statMessages.WithLabelValues("request", "error").Inc()
		return *errResp
	}

	org, err := e.generateSDK(request.Org)
	if err != nil {
		return e.sdkFailure(request.Org.OID, err)
	}
	defer org.Close()

	// If the request struct is nil, hand the raw dict to the handler.
	var requestData interface{} = request.Data
	if rcb.RequestStruct != nil {
		requestData, err = unmarshalToStruct(request.Data, rcb.RequestStruct)
		if err != nil {
			isRetriable := false
			return common.Response{
				Error:     fmt.Sprintf("failed to unmarshal request data: %v", err),
				Retriable: &isRetriable,
			}
		}
	}

	return e.runProtected("request", fmt.Sprintf("action '%s'", request.Action), func() common.Response {
		return rcb.Callback(ctx, RequestCallbackParams{
			Org:             org,
			Ident:           request.Org.Ident,
			Request:         requestData,
			Config:          request.Config,
			IdempotentKey:   message.IdempotencyKey,
			ResourceState:   request.ResourceState,
			InvestigationID: request.InvestigationID,
		})
	})
}

func (e *Extension) handleEvent(ctx context.Context, message *common.Message) common.Response {
	event := message.Event

	org, err := e.generateSDK(event.Org)
	if err != nil {
		return e.sdkFailure(event.Org.OID, err)
	}
	defer org.Close()

	// A detection whose investigation id carries our root id is the
	// asynchronous reply leg of an interactive callback, possibly
	// landing on a different instance than the one that issued it.
	if event.EventName == common.EventTypes.Detection {
		if response, ok := e.handleInteractiveReply(ctx, org, event); ok {
			return response
		}
	}

	handler, ok := e.Callbacks.EventHandlers[event.EventName]
	if !ok {
		return e.unknownCapability(event.Org.OID, "event", fmt.Sprintf("unknown event '%s'", event.EventName))
	}

	return e.runProtected("event", fmt.Sprintf("event '%s'", event.EventName), func() common.Response {
		return handler(ctx, EventCallbackParams{
			Org:           org,
			Data:          event.Data,
			Conf:          event.Config,
			IdempotentKey: message.IdempotencyKey,
		})
	})
}

// checkRequiredFields enforces the requirement groups declared in
// the action's parameter schema: within each group exactly one
// field must be set.
func (e *Extension) checkRequiredFields(action common.ActionName, data limacharlie.Dict) *common.Response {
	schema, ok := e.RequestSchema[action]
	if !ok {
		return nil
	}
	isRetriable := false
	for _, group := range schema.ParameterDefinitions.Requirements {
		if len(group) == 0 {
			continue
		}
		nSet := 0
		for _, field := range group {
			if v, ok := data[field]; ok && v != nil {
				nSet++
			}
		}
		if nSet == 0 {
			return &common.Response{
				Error:     fmt.Sprintf("missing parameter for action '%s', one of: %s", action, strings.Join(group, ", ")),
				Retriable: &isRetriable,
			}
		}
		if nSet > 1 {
			return &common.Response{
				Error:     fmt.Sprintf("conflicting parameters for action '%s', only one of: %s", action, strings.Join(group, ", ")),
				Retriable: &isRetriable,
			}
		}
	}
	return nil
}

// runProtected invokes a user handler with panic containment and
// in-progress accounting.
func (e *Extension) runProtected(messageType string, what string, run func() common.Response) (response common.Response) {
	e.trackStart()
	defer func() {
		e.trackEnd()
		if r := recover(); r != nil {
			e.Logger.Error(fmt.Sprintf("handler fault in %s: %v", what, r))
			response = common.Response{Error: fmt.Sprintf("handler fault in %s: %v", what, r)}
			statMessages.WithLabelValues(messageType, "fault").Inc()
			return
		}
		if response.Error != "" {
			statMessages.WithLabelValues(messageType, "error").Inc()
		} else {
			statMessages.WithLabelValues(messageType, "ok").Inc()
		}
	}()
	response = run()
	return response
}

func (e *Extension) unknownCapability(oid string, messageType string, errMsg string) common.Response {
	e.Logger.Error(errMsg)
	e.Callbacks.ErrorHandler(&common.ErrorReportMessage{Error: errMsg, Oid: oid})
	statMessages.WithLabelValues(messageType, "unknown").Inc()
	isRetriable := false
	return common.Response{Error: errMsg, Retriable: &isRetriable}
}

func (e *Extension) sdkFailure(oid string, err error) common.Response {
	errMsg := fmt.Sprintf("failed initializing sdk: %v", err)
	e.Callbacks.ErrorHandler(&common.ErrorReportMessage{Error: errMsg, Oid: oid})
	return common.Response{Error: errMsg}
}

func (e *Extension) respondAndLog(w http.ResponseWriter, status int, data interface{}) error {
	if r, ok := data.(*common.Response); e.isLogAllErrors && ok {
		if r.Error != "" {
			e.Callbacks.ErrorHandler(&common.ErrorReportMessage{Error: r.Error})
		}
	}
	if r, ok := data.(*common.Response); e.isLogResponses && ok {
		if d, err := json.Marshal(r); err == nil {
			e.Logger.Info(fmt.Sprintf("response: %s", string(d)))
		}
	}
	if err := respond(w, status, data); err != nil {
		e.Callbacks.ErrorHandler(&common.ErrorReportMessage{Error: fmt.Sprintf("failed to respond: %v", err)})
		return err
	}
	return nil
}

// verifyOrigin checks the body HMAC in constant time. An empty
// secret is the local development mode where verification is off.
func verifyOrigin(data []byte, sig string, secretKey []byte) bool {
	if len(secretKey) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, secretKey)
	if _, err := mac.Write(data); err != nil {
		return false
	}
	jsonCompatSig := []byte(hex.EncodeToString(mac.Sum(nil)))
	return hmac.Equal(jsonCompatSig, []byte(sig))
}

func respond(w http.ResponseWriter, status int, data interface{}) error {
	w.WriteHeader(status)
	if data == nil {
		return nil
	}
	j := json.NewEncoder(w)
	if err := j.Encode(data); err != nil {
		return fmt.Errorf("failed to encode response: %v", err)
	}
	return nil
}

func (e *Extension) generateSDK(oad common.OrgAccessData) (*limacharlie.Organization, error) {
	return limacharlie.NewOrganizationFromClientOptions(limacharlie.ClientOptions{
		OID: oad.OID,
		JWT: oad.JWT,
	}, nil)
}

func unmarshalToStruct(d limacharlie.Dict, s interface{}) (interface{}, error) {
	if s == nil {
		return nil, fmt.Errorf("invalid request missing request struct definition")
	}

	// Create a new instance of the struct needed using reflection.
	inCopyValue := reflect.ValueOf(s).Elem()
	inCopy := reflect.New(inCopyValue.Type())
	inCopy.Elem().Set(inCopyValue)
	out := inCopy.Interface()

	if err := d.UnMarshalToStruct(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Extension) GetExtensionPrivateTag() string {
	return fmt.Sprintf("ext:%s", e.ExtensionName)
}
