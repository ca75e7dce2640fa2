package offsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// one REST mutation against the backend, in a form that can be
// serialized into a pin and reconstructed byte-for-byte at replay time
type RestCommand struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	SessionToken string `json:"sessionToken,omitempty"`
	// ties a save back to the specific diff of field mutations it carries
	OperationSetUuid string `json:"operationSetUUID,omitempty"`
	// resolves references to objects that do not have a server id yet
	LocalId string `json:"localId,omitempty"`
}

func (self *RestCommand) ToJson() ([]byte, error) {
	return json.Marshal(self)
}

func RestCommandFromJson(commandJson []byte) (*RestCommand, error) {
	command := &RestCommand{}
	if err := json.Unmarshal(commandJson, command); err != nil {
		return nil, err
	}
	if command.Method == "" || command.Path == "" {
		return nil, errors.New("command missing method or path")
	}
	return command, nil
}

type RestResponse struct {
	StatusCode int
	Body       map[string]any
}

// the narrow contract through which pinned commands are dispatched.
// implemented by the command layer above this core.
type HttpExecutor interface {
	Execute(ctx context.Context, command *RestCommand) (*RestResponse, error)
}

func DefaultHttpExecutorSettings() *HttpExecutorSettings {
	return &HttpExecutorSettings{
		SessionTokenHeader: "X-Session-Token",
	}
}

type HttpExecutorSettings struct {
	SessionTokenHeader string
}

type ClientHttpExecutor struct {
	apiUrl   string
	client   *http.Client
	settings *HttpExecutorSettings
}

func NewClientHttpExecutor(apiUrl string) *ClientHttpExecutor {
	return &ClientHttpExecutor{
		apiUrl:   apiUrl,
		client:   defaultClient(),
		settings: DefaultHttpExecutorSettings(),
	}
}

func (self *ClientHttpExecutor) Execute(ctx context.Context, command *RestCommand) (*RestResponse, error) {
	requestUrl, err := url.JoinPath(self.apiUrl, command.Path)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if command.Body != nil {
		bodyBytes, err := json.Marshal(command.Body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	request, err := http.NewRequestWithContext(ctx, command.Method, requestUrl, bodyReader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if command.SessionToken != "" {
		request.Header.Set(self.settings.SessionTokenHeader, command.SessionToken)
	}
	for name, value := range command.Headers {
		request.Header.Set(name, value)
	}

	response, err := self.client.Do(request)
	if err != nil {
		return nil, WrapError(ErrorConnectionFailed, "connection failed", err)
	}
	defer response.Body.Close()

	responseBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, WrapError(ErrorConnectionFailed, "connection failed", err)
	}

	restResponse := &RestResponse{
		StatusCode: response.StatusCode,
		Body:       map[string]any{},
	}
	if 0 < len(responseBytes) {
		// a non-json body is not an error at this layer
		json.Unmarshal(responseBytes, &restResponse.Body)
	}

	if 400 <= response.StatusCode {
		if response.StatusCode == 404 {
			return restResponse, NewError(ErrorObjectNotFound, "object not found")
		}
		if 500 <= response.StatusCode {
			return restResponse, NewError(ErrorConnectionFailed, fmt.Sprintf("server error %d", response.StatusCode))
		}
		message, _ := restResponse.Body["error"].(string)
		if message == "" {
			message = fmt.Sprintf("request failed %d", response.StatusCode)
		}
		return restResponse, NewError(ErrorOtherCause, message)
	}

	return restResponse, nil
}

// whether a failed dispatch should be retried and the pin kept.
// connection-level failures and server errors are transient;
// rejections from the server are permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if CodeOf(err) == ErrorConnectionFailed {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// url errors wrap dial and dns failures
	return strings.Contains(err.Error(), "connection refused")
}
