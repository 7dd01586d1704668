package simplified

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
	"github.com/refractionPOINT/lc-extension-sdk/common"
	"github.com/refractionPOINT/lc-extension-sdk/core"

	"github.com/refractionPOINT/shlex"
)

// CLIExtension is a turnkey extension flavor that fronts command line
// tools behind a single "run" action. A command executes in-process
// under a hard timeout, credentials are redacted from everything that
// leaves the process, and every run leaves an audit record through
// the webhook adapter.

type CLIHandler = func(ctx context.Context, cliTokens []string, credentials string) (CLIReturnData, error)

type CLIDescriptor struct {
	ProcessCommand    CLIHandler
	CredentialsFormat string
	ExampleCommand    string
}

type CLIReturnData struct {
	StatusCode   int                `json:"status_code"`
	OutputString string             `json:"output_string"`
	OutputDict   limacharlie.Dict   `json:"output_dict"`
	OutputList   []limacharlie.Dict `json:"output_list"`
}

type CLIName = string

type CLIExtension struct {
	Name      string
	SecretKey string
	Logger    limacharlie.LCLogger

	Descriptors map[CLIName]CLIDescriptor

	extension *core.Extension
}

type CLIRunRequest struct {
	CommandLine   string   `json:"command_line"`
	CommandTokens []string `json:"command_tokens"`
	Credentials   string   `json:"credentials"`
	Tool          string   `json:"tool"`
}

// ErrInvalidCredentials can be returned by a CLIHandler to signal the
// supplied credentials were rejected by the tool.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CommandError signals a specific CLI command is not allowed.
type CommandError struct {
	Command string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s command not allowed", e.Command)
}

func NewCommandError(command string) error {
	return &CommandError{Command: command}
}

// A single command execution never outlives this window.
const toolCommandExecutionTimeout = 9 * time.Minute

// Limits on the inbound command: total bytes and token count.
const commandArgumentsMaxSize = 1024 * 10
const commandArgumentsMaxCount = 50

// Default implementation of the webhook audit push. Only to be
// overridden by tests.
var sendToWebhookAdapterFunc = func(ext *core.Extension, o *limacharlie.Organization, hook limacharlie.Dict) error {
	return ext.SendToWebhookAdapter(o, hook)
}

// Default implementation of stopThisInstance. Only to be overridden by tests.
var stopThisInstanceFunc = func(logger limacharlie.LCLogger, o *limacharlie.Organization, request *CLIRunRequest, errMsg string) {
	if errMsg == "" {
		logger.Info(fmt.Sprintf("stopping instance after successful processing for oid %s and tool %s", o.GetOID(), request.Tool))
	} else {
		logger.Info(fmt.Sprintf("stopping instance after failed processing for oid %s and tool %s: %s", o.GetOID(), request.Tool, errMsg))
	}

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		logger.Error(fmt.Sprintf("failed to find process: %v", err))
		return
	}

	// Send SIGTERM to the current process.
	if err := p.Signal(syscall.SIGTERM); err != nil {
		logger.Error(fmt.Sprintf("failed to send SIGTERM: %v", err))
		return
	}
}

func Bool(v bool) *bool {
	return &v
}

func (e *CLIExtension) Init() (*core.Extension, error) {
	x := &core.Extension{
		ExtensionName: e.Name,
		SecretKey:     e.SecretKey,
		ConfigSchema:  common.SchemaObject{},
		ViewsSchema: []common.View{
			{
				Name:            "",
				LayoutType:      "action",
				DefaultRequests: []string{"run"},
			},
		},
		RequestSchema: map[string]common.RequestSchema{
			"run": e.runSchema(),
		},
	}

	x.Callbacks = core.ExtensionCallbacks{
		ValidateConfig: func(ctx context.Context, org *limacharlie.Organization, config limacharlie.Dict) common.Response {
			e.Logger.Info(fmt.Sprintf("validate config from %s", org.GetOID()))
			return common.Response{}
		},
		RequestHandlers: map[common.ActionName]core.RequestCallback{
			"run": {
				RequestStruct: &CLIRunRequest{},
				Callback: func(ctx context.Context, params core.RequestCallbackParams) common.Response {
					return e.doRun(params.Org, params.Request.(*CLIRunRequest), params.Ident, params.InvestigationID)
				},
			},
		},
		EventHandlers: map[common.EventName]core.EventCallback{
			common.EventTypes.Subscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				e.Logger.Info(fmt.Sprintf("subscribe to %s", params.Org.GetOID()))
				if err := e.installRulesIfNeeded(params.Org); err != nil {
					e.Logger.Error(fmt.Sprintf("failed to install rules: %v", err))
					return common.Response{
						Error: err.Error(),
					}
				}
				return common.Response{}
			},
			common.EventTypes.Unsubscribe: func(ctx context.Context, params core.EventCallbackParams) common.Response {
				e.Logger.Info(fmt.Sprintf("unsubscribe from %s", params.Org.GetOID()))
				if err := e.uninstallAllRules(params.Org); err != nil {
					e.Logger.Error(fmt.Sprintf("failed to uninstall rules: %v", err))
					return common.Response{
						Error: err.Error(),
					}
				}
				return common.Response{}
			},
		},
		ErrorHandler: func(erm *common.ErrorReportMessage) {
			e.Logger.Error(fmt.Sprintf("received error from LC for %s: %s", erm.Oid, erm.Error))
		},
	}

	e.extension = x

	// Start processing.
	if err := x.Init(); err != nil {
		return nil, err
	}

	return x, nil
}

// runSchema describes the single "run" action. With exactly one
// registered tool the tool selector is omitted and the description
// names the tool directly.
func (e *CLIExtension) runSchema() common.RequestSchema {
	requirements := [][]common.SchemaKey{{"command_tokens", "command_line"}, {"credentials"}}
	fields := map[common.SchemaKey]common.SchemaElement{
		"command_line": {
			DataType:     common.SchemaDataTypes.String,
			Label:        "Command Line",
			Description:  "The command to run.",
			IsList:       false,
			DisplayIndex: 3,
		},
		"command_tokens": {
			DataType:     common.SchemaDataTypes.String,
			Label:        "Command Parameters",
			Description:  "The command parameters to run as a tokenized list.",
			IsList:       true,
			DisplayIndex: 4,
		},
		"credentials": {
			DataType:     common.SchemaDataTypes.Secret,
			Label:        "Credentials",
			Description:  `The credentials to use for the command. A GCP JSON key, a DigitalOcean Access Token or an AWS "accessKeyID/secretAccessKey" pair.`,
			DisplayIndex: 1,
		},
	}

	longDesc := "Run a CLI command by choosing a CLI tool, a set of credentials to authenticate with, and a list of command line parameters to provide to the CLI tool."
	if len(e.Descriptors) == 1 {
		for name := range e.Descriptors {
			longDesc = fmt.Sprintf("Run a CLI command using the %s tool by providing a list of command line parameters to provide to it.", name)
		}
	} else {
		requirements = append(requirements, []common.SchemaKey{"tool"})
		tools := []interface{}{}
		for name := range e.Descriptors {
			tools = append(tools, name)
		}
		fields["tool"] = common.SchemaElement{
			DataType:     common.SchemaDataTypes.Enum,
			Label:        "Tool",
			Description:  "The tool provider to use.",
			EnumValues:   tools,
			DisplayIndex: 2,
		}
	}

	return common.RequestSchema{
		IsUserFacing:     true,
		Label:            "Run a CLI command",
		ShortDescription: "Run a CLI command for a supported tool.",
		LongDescription:  longDesc,
		ParameterDefinitions: common.SchemaObject{
			Requirements: requirements,
			Fields:       fields,
		},
		ResponseDefinition: &common.SchemaObject{
			Fields: map[common.SchemaKey]common.SchemaElement{
				"output_list": {
					DataType:    common.SchemaDataTypes.Object,
					Label:       "Outputs",
					Description: "The output JSON objects of the command.",
					IsList:      true,
				},
				"output_dict": {
					DataType:    common.SchemaDataTypes.Object,
					Label:       "Output",
					Description: "The output JSON object of the command.",
					IsList:      false,
				},
				"output_string": {
					DataType:    common.SchemaDataTypes.String,
					Label:       "Raw Output",
					Description: "The non-JSON output of the command.",
				},
				"status_code": {
					DataType:    common.SchemaDataTypes.Integer,
					Label:       "Status Code",
					Description: "The status of the command.",
				},
			},
		},
	}
}

func (e *CLIExtension) installRulesIfNeeded(o *limacharlie.Organization) error {
	if err := e.extension.CreateExtensionAdapter(o, limacharlie.Dict{
		"event_type_path":       "action",
		"investigation_id_path": "inv_id",
	}); err != nil {
		e.Logger.Error(fmt.Sprintf("failed to create extension adapter: %v", err))
		return err
	}
	return nil
}

func (e *CLIExtension) uninstallAllRules(o *limacharlie.Organization) error {
	if err := e.extension.DeleteExtensionAdapter(o); err != nil {
		e.Logger.Error(fmt.Sprintf("failed to delete extension adapter: %v", err))
		return err
	}
	return nil
}

func (e *CLIExtension) doRun(o *limacharlie.Organization, request *CLIRunRequest, ident string, invID string) common.Response {
	// Commands may drop credentials in temp files on disk and the
	// tools are not isolated in sub-containers. The instance handles
	// one request and terminates itself once done, success or not.
	var out common.Response
	defer func() {
		e.stopThisInstance(o, request, out.Error)
	}()

	e.Logger.Debug(fmt.Sprintf("running command for %s and tool %s", o.GetOID(), request.Tool))

	if resp := e.normalizeTokens(o, request); resp != nil {
		out = *resp
		return out
	}

	handler, resp := e.resolveDescriptor(o, request.Tool)
	if resp != nil {
		out = *resp
		return out
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolCommandExecutionTimeout)
	defer cancel()
	start := time.Now()
	result, err := handler.ProcessCommand(ctx, request.CommandTokens, request.Credentials)
	elapsed := time.Since(start)

	if err != nil {
		// Failures are mostly expected tool behavior, logged at info.
		// The message must stay free of command arguments and
		// credentials.
		e.Logger.Info(fmt.Sprintf("command for %s and tool %s failed and took %f seconds: %v", o.GetOID(), request.Tool, elapsed.Seconds(), err))
	} else {
		e.Logger.Debug(fmt.Sprintf("command for %s and tool %s succeeded and took %f seconds", o.GetOID(), request.Tool, elapsed.Seconds()))
	}

	e.audit(o, request, ident, invID, &result, err)

	if err != nil {
		out = common.Response{
			Data:      &result,
			Error:     err.Error(),
			Retriable: Bool(isErrorRetriable(err)),
		}
		return out
	}
	out = common.Response{Data: &result}
	return out
}

// normalizeTokens turns the request into a token list and applies the
// size limits. A non-nil response is terminal and never retriable.
func (e *CLIExtension) normalizeTokens(o *limacharlie.Organization, request *CLIRunRequest) *common.Response {
	if len(request.CommandTokens) == 0 && len(request.CommandLine) != 0 {
		tokens, err := shlex.Split(request.CommandLine)
		if err != nil {
			e.Logger.Info(fmt.Sprintf("failed to parse command line for %s and tool %s: %v", o.GetOID(), request.Tool, err))
			return &common.Response{
				Error:     fmt.Sprintf("failed to parse command line: %v", err),
				Retriable: Bool(false),
			}
		}
		request.CommandTokens = tokens
	}

	if len(request.CommandLine) > commandArgumentsMaxSize {
		e.Logger.Info(fmt.Sprintf("command line is too long for %s and tool %s, got %d, max size is %d", o.GetOID(), request.Tool, len(request.CommandLine), commandArgumentsMaxSize))
		return &common.Response{
			Error:     fmt.Sprintf("command line is too long, max size is %d bytes", commandArgumentsMaxSize),
			Retriable: Bool(false),
		}
	}

	if len(request.CommandTokens) > commandArgumentsMaxCount {
		e.Logger.Info(fmt.Sprintf("command arguments are too long for %s and tool %s, got %d, max count is %d", o.GetOID(), request.Tool, len(request.CommandTokens), commandArgumentsMaxCount))
		return &common.Response{
			Error:     fmt.Sprintf("command arguments are too long, max count is %d", commandArgumentsMaxCount),
			Retriable: Bool(false),
		}
	}
	return nil
}

// resolveDescriptor picks the tool to run. A single registered tool
// is implicit, otherwise the request must name a known one.
func (e *CLIExtension) resolveDescriptor(o *limacharlie.Organization, tool string) (CLIDescriptor, *common.Response) {
	if len(e.Descriptors) == 1 {
		for _, h := range e.Descriptors {
			return h, nil
		}
	}
	handler, ok := e.Descriptors[tool]
	if !ok {
		e.Logger.Info(fmt.Sprintf("unknown tool for %s: %s", o.GetOID(), tool))
		return CLIDescriptor{}, &common.Response{
			Error:     fmt.Sprintf("unknown tool: %s", tool),
			Retriable: Bool(false),
		}
	}
	return handler, nil
}

// audit pushes a redacted record of the run through the webhook
// adapter so the tenant keeps a trail of who ran what.
func (e *CLIExtension) audit(o *limacharlie.Organization, request *CLIRunRequest, ident string, invID string, result *CLIReturnData, runErr error) {
	anonReq := *request
	anonReq.Credentials = "REDACTED"
	anonReq.CommandLine = core.MaskSecrets(request.CommandLine, []string{request.Credentials})
	anonReq.CommandTokens = core.MaskSecretsInSlice(request.CommandTokens, []string{request.Credentials})

	hook := limacharlie.Dict{
		"action":  "run",
		"request": anonReq,
		"by":      ident,
		"inv_id":  invID,
	}
	if runErr != nil {
		hook["error"] = runErr.Error()
		hook["response"] = result
	}

	if err := sendToWebhookAdapterFunc(e.extension, o, hook); err != nil {
		e.Logger.Error(fmt.Sprintf("failed to send to webhook adapter: %v", err))
	}
}

func (e *CLIExtension) TryParsingOutput(output []byte) CLIReturnData {
	// Try to parse multiple dictionaries in a row.
	dec := json.NewDecoder(bytes.NewReader(output))
	l := []limacharlie.Dict{}
	for {
		d := limacharlie.Dict{}
		if err := dec.Decode(&d); err != nil {
			break
		}
		l = append(l, d)
	}

	if len(l) == 1 {
		return CLIReturnData{OutputDict: l[0]}
	}
	if len(l) > 1 {
		return CLIReturnData{OutputList: l}
	}

	// Is it a list?
	if err := json.Unmarshal(output, &l); err == nil {
		return CLIReturnData{OutputList: l}
	}

	// Just return the original as stdout.
	return CLIReturnData{OutputString: string(output)}
}

func (e *CLIExtension) stopThisInstance(o *limacharlie.Organization, request *CLIRunRequest, errMsg string) {
	stopThisInstanceFunc(e.Logger, o, request, errMsg)
}

// isErrorRetriable decides whether the platform should re-issue the
// request. Timeouts, cancellations, bad credentials and disallowed
// commands will fail the same way again, everything else is assumed
// transient.
func isErrorRetriable(err error) bool {
	var cmdErr *CommandError
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrInvalidCredentials),
		errors.As(err, &cmdErr):
		return false
	}
	return true
}
