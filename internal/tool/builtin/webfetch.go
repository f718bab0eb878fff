package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/haasonsaas/conductor/internal/tool"
)

const (
	maxFetchBytes       = 5 * 1024 * 1024
	defaultFetchTimeout = 30 * time.Second
	maxFetchTimeout     = 120 * time.Second
)

type webfetchArgs struct {
	URL     string `json:"url" jsonschema:"description=URL to fetch"`
	Format  string `json:"format,omitempty" jsonschema:"enum=markdown,enum=html,description=Output format (default markdown)"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds,minimum=0"`
}

// WebFetchTool downloads a URL and converts HTML to markdown.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates a fetch tool. A nil client uses a default one.
func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = &http.Client{}
	}
	return &WebFetchTool{client: client}
}

func (t *WebFetchTool) ID() string { return "webfetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP(S) and return its content as markdown or raw HTML."
}

func (t *WebFetchTool) Parameters() json.RawMessage { return tool.SchemaFor[webfetchArgs]() }

func (t *WebFetchTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in webfetchArgs
	_ = json.Unmarshal(args, &in)
	return []string{in.URL}, []string{"*"}
}

func (t *WebFetchTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in webfetchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, fmt.Errorf("URL must start with http:// or https://")
	}

	timeout := defaultFetchTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	if timeout > maxFetchTimeout {
		timeout = maxFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "conductor/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxFetchBytes {
		return nil, fmt.Errorf("response too large (exceeds 5MB limit)")
	}

	contentType := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(contentType, "text/html")
	output := string(body)

	if in.Format != "html" && isHTML {
		output, err = htmltomarkdown.ConvertString(output)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
	}

	return &tool.Result{
		Title:    fmt.Sprintf("%s (%s)", in.URL, contentType),
		Output:   output,
		Metadata: map[string]any{"contentType": contentType, "bytes": len(body)},
	}, nil
}
