package tools

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mark3labs/openapi-mcp-server/internal/httpclient"
)

// CallResult is the uniform outcome of one tool invocation.
type CallResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Data       any               `json:"data"`
}

// Result is either a completed upstream exchange or a failure folded into
// the same shape. It always renders to exactly one content item.
type Result struct {
	Call        CallResult
	ContentType string
	Failed      bool
}

// Success wraps a 2xx response.
func Success(resp *httpclient.Response) Result {
	return fromResponse(resp, false)
}

// Failure folds err into a Result. Upstream status errors keep their
// response; everything else becomes a 500 carrying the error message.
func Failure(err error) Result {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.Response != nil {
		return fromResponse(se.Response, true)
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Call:   CallResult{StatusCode: http.StatusInternalServerError, Headers: map[string]string{}, Data: msg},
		Failed: true,
	}
}

func fromResponse(resp *httpclient.Response, failed bool) Result {
	if resp == nil {
		return Failure(errors.New("empty upstream response"))
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Result{
		Call: CallResult{
			StatusCode: status,
			Headers:    flattenHeaders(resp.Header),
			Data:       resp.Data,
		},
		ContentType: resp.ContentType(),
		Failed:      failed,
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

type contentKind int

const (
	kindText contentKind = iota
	kindImage
	kindAudio
)

func classify(contentType string) contentKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return kindImage
	case strings.HasPrefix(ct, "audio/"):
		return kindAudio
	default:
		return kindText
	}
}

// Content renders the single content item for r. Image and audio payloads
// are base64 encoded; anything else is the JSON form of the whole CallResult.
func (r Result) Content() mcp.Content {
	switch classify(r.ContentType) {
	case kindImage:
		return mcp.NewImageContent(encodePayload(r.Call.Data), r.ContentType)
	case kindAudio:
		return mcp.NewAudioContent(encodePayload(r.Call.Data), r.ContentType)
	}
	b, err := json.Marshal(r.Call)
	if err != nil {
		b, _ = json.Marshal(CallResult{
			StatusCode: r.Call.StatusCode,
			Headers:    r.Call.Headers,
			Data:       err.Error(),
		})
	}
	return mcp.NewTextContent(string(b))
}

// ToolResult is the protocol form of r.
func (r Result) ToolResult() *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{r.Content()}}
}

func encodePayload(data any) string {
	switch v := data.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case string:
		return base64.StdEncoding.EncodeToString([]byte(v))
	case nil:
		return ""
	}
	b, _ := json.Marshal(data)
	return base64.StdEncoding.EncodeToString(b)
}
