package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/murabcd/vibestack/agentloop"
	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/mcppool"
	"github.com/murabcd/vibestack/sandbox"
	"github.com/murabcd/vibestack/session"
	"github.com/murabcd/vibestack/store"
	"github.com/murabcd/vibestack/unifiedllm"
	"github.com/murabcd/vibestack/usage"
)

// scriptFunc returns the events of the n-th model call.
type scriptFunc func(ctx context.Context, n int, req unifiedllm.Request) []unifiedllm.StreamEvent

type scriptedModel struct {
	mu       sync.Mutex
	requests []unifiedllm.Request
	script   scriptFunc
}

func (m *scriptedModel) Name() string { return "stub" }

func (m *scriptedModel) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()

	ch := make(chan unifiedllm.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range m.script(ctx, n, req) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *scriptedModel) lastRequest() unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func finish() unifiedllm.StreamEvent {
	u := unifiedllm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120}
	return unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, Usage: &u}
}

func callTool(id, name string, args any) []unifiedllm.StreamEvent {
	raw, _ := json.Marshal(args)
	tc := unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.StreamStart},
		{Type: unifiedllm.ToolCallStart, ToolCall: &tc},
		{Type: unifiedllm.ToolCallEnd, ToolCall: &tc},
		finish(),
	}
}

func say(text string) []unifiedllm.StreamEvent {
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.StreamStart},
		{Type: unifiedllm.TextDelta, Delta: text},
		finish(),
	}
}

// sandboxIDFrom finds the createSandbox result in the model context.
func sandboxIDFrom(req unifiedllm.Request) string {
	for _, m := range req.Messages {
		for _, p := range m.Content {
			if p.ToolResult == nil {
				continue
			}
			first, _, _ := strings.Cut(p.ToolResult.Content, "\n")
			if id, ok := strings.CutPrefix(first, "Sandbox created with ID: "); ok {
				return strings.TrimSuffix(id, ".")
			}
		}
	}
	return ""
}

type harness struct {
	srv       *httptest.Server
	model     *scriptedModel
	store     *store.MemoryStore
	sandboxes *sandbox.LocalProvider
}

type harnessOption func(*Options)

func newHarness(t *testing.T, script scriptFunc, catalog usage.Catalog, opts ...harnessOption) *harness {
	t.Helper()
	model := &scriptedModel{script: script}
	client := unifiedllm.NewClient(unifiedllm.WithProvider(model.Name(), model))
	enricher := usage.NewEnricher(catalog, time.Second, nil)
	h := &harness{
		model:     model,
		store:     store.NewMemoryStore(),
		sandboxes: sandbox.NewLocalProvider(t.TempDir(), sandbox.WithBaseDomain("sandbox.test")),
	}
	o := Options{
		Loop:      agentloop.NewLoop(client, enricher, agentloop.DefaultConfig(), nil),
		Sandboxes: h.sandboxes,
		Store:     h.store,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.srv = httptest.NewServer(New(o))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) project(t *testing.T) store.Project {
	t.Helper()
	resp, err := http.Post(h.srv.URL+"/api/projects", "application/json", strings.NewReader(`{"title":"demo"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p store.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func chatBody(projectID, text string) string {
	body := map[string]any{
		"messages": []map[string]any{{
			"role":    "user",
			"content": []envelope.Envelope{envelope.Must(envelope.TypeText, "", envelope.Text{Text: text})},
		}},
	}
	if projectID != "" {
		body["projectId"] = projectID
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func (h *harness) chat(t *testing.T, body string) []envelope.Envelope {
	t.Helper()
	resp, err := http.Post(h.srv.URL+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, envelope.ContentType, resp.Header.Get("Content-Type"))
	envs, err := envelope.ReadAll(resp.Body)
	require.NoError(t, err)
	return envs
}

func (h *harness) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (h *harness) waitStatus(t *testing.T, projectID string, want store.ProjectStatus) store.Project {
	t.Helper()
	var p store.Project
	require.Eventually(t, func() bool {
		var err error
		p, err = h.store.GetProject(context.Background(), projectID)
		return err == nil && p.Status == want
	}, 5*time.Second, 10*time.Millisecond, "project never reached %s", want)
	return p
}

func ofType(envs []envelope.Envelope, typ envelope.Type) []envelope.Envelope {
	var out []envelope.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// buildFileScript creates a sandbox, writes a.txt and then answers.
func buildFileScript(_ context.Context, n int, req unifiedllm.Request) []unifiedllm.StreamEvent {
	switch n {
	case 1:
		return callTool("c_sbx", agentloop.ToolCreateSandbox, map[string]any{"ports": []int{3000}})
	case 2:
		return callTool("c_files", agentloop.ToolGenerateFiles, map[string]any{
			"sandboxId": sandboxIDFrom(req),
			"files":     []map[string]string{{"path": "a.txt", "content": "hi"}},
		})
	default:
		return say("Created a.txt.")
	}
}

func TestHealthAndModels(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})

	var health map[string]string
	require.Equal(t, http.StatusOK, h.getJSON(t, "/health", &health))
	require.Equal(t, "ok", health["status"])

	var models struct {
		Models []modelResponse `json:"models"`
	}
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/models", &models))
	require.Len(t, models.Models, len(unifiedllm.Models))
	var defaults []string
	for _, m := range models.Models {
		if m.Default {
			defaults = append(defaults, m.ID)
		}
	}
	require.Equal(t, []string{unifiedllm.DefaultModel}, defaults)
}

func TestChatRejectsBeforeStreaming(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})

	cases := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"unknown model", `{"modelId":"gpt-2","messages":[]}`, http.StatusBadRequest, "Model gpt-2 not found."},
		{"unknown project", chatBody("missing", "hi"), http.StatusNotFound, "Project missing not found."},
		{"bad effort", `{"reasoningEffort":"max"}`, http.StatusBadRequest, `Unsupported reasoning effort "max".`},
		{"no user message", `{"messages":[]}`, http.StatusBadRequest, "A user message is required."},
		{"bad json", `{`, http.StatusBadRequest, "invalid JSON"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := http.Post(h.srv.URL+"/api/chat", "application/json", strings.NewReader(c.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, c.status, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, c.errMsg, body["error"])
		})
	}
	require.Empty(t, h.model.requests)
}

func TestChatGeneratesFile(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})
	p := h.project(t)

	envs := h.chat(t, chatBody(p.ID, "create a file `a.txt` with content `hi`"))

	var statuses []string
	for _, env := range ofType(envs, envelope.TypeFilesGenerated) {
		var fg envelope.FilesGenerated
		require.NoError(t, env.Decode(&fg))
		require.Equal(t, []string{"a.txt"}, fg.Paths)
		statuses = append(statuses, fg.Status)
	}
	require.Equal(t, []string{envelope.StatusGenerating, envelope.StatusUploading, envelope.StatusUploaded}, statuses)

	last := envs[len(envs)-1]
	require.Equal(t, envelope.TypeFinish, last.Type)
	var fin envelope.Finish
	require.NoError(t, last.Decode(&fin))
	require.Equal(t, 3, fin.Rounds)
	require.Equal(t, 300, fin.Usage.InputTokens)
	require.NotNil(t, fin.Context)
	require.Equal(t, 200000, fin.Context.ContextWindow)

	done := h.waitStatus(t, p.ID, store.StatusCompleted)
	require.Equal(t, 100, done.Progress)
	require.NotEmpty(t, done.SandboxID)
	require.NotNil(t, done.LastUsage)
	require.Equal(t, 360, done.LastUsage.TotalTokens)

	var state session.State
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects/"+p.ID+"/state", &state))
	require.Equal(t, []string{"a.txt"}, state.GeneratedPaths)
	require.Equal(t, done.SandboxID, state.EnvironmentID)
	require.Equal(t, session.EnvironmentRunning, state.EnvironmentStatus)

	resp, err := http.Get(h.srv.URL + "/api/sandboxes/" + done.SandboxID + "/files?path=a.txt")
	require.NoError(t, err)
	content, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "hi", string(content))

	var msgs struct {
		Messages []store.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects/"+p.ID+"/messages", &msgs))
	require.Len(t, msgs.Messages, 2)
	require.Equal(t, store.RoleUser, msgs.Messages[0].Role)
	require.Equal(t, store.RoleAssistant, msgs.Messages[1].Role)

	// The next request starts from the existing sandbox.
	require.NotContains(t, h.model.lastRequest().Messages[0].TextContent(), "Existing sandbox:")
	h.chat(t, chatBody(p.ID, "again"))
	require.Contains(t, h.model.lastRequest().Messages[0].TextContent(), "Existing sandbox: "+done.SandboxID)
}

func TestProjectStateSurvivesSandboxReuse(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, n int, req unifiedllm.Request) []unifiedllm.StreamEvent {
		switch n {
		case 4:
			return callTool("c_sbx2", agentloop.ToolCreateSandbox, map[string]any{})
		case 5:
			return say("Still here.")
		default:
			return buildFileScript(ctx, n, req)
		}
	}, usage.StaticCatalog{})
	p := h.project(t)

	h.chat(t, chatBody(p.ID, "create a.txt"))
	first := h.waitStatus(t, p.ID, store.StatusCompleted)

	envs := h.chat(t, chatBody(p.ID, "check the sandbox"))
	created := ofType(envs, envelope.TypeEnvironmentCreated)
	require.NotEmpty(t, created)
	var ec envelope.EnvironmentCreated
	require.NoError(t, created[len(created)-1].Decode(&ec))
	require.Equal(t, first.SandboxID, ec.EnvironmentID)

	require.Eventually(t, func() bool {
		msgs, err := h.store.ListMessages(context.Background(), p.ID)
		return err == nil && len(msgs) == 4
	}, 5*time.Second, 10*time.Millisecond)

	var state session.State
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects/"+p.ID+"/state", &state))
	require.Equal(t, first.SandboxID, state.EnvironmentID)
	require.Equal(t, []string{"a.txt"}, state.GeneratedPaths)
}

func TestChatDeduplicatesUserMessage(t *testing.T) {
	h := newHarness(t, func(context.Context, int, unifiedllm.Request) []unifiedllm.StreamEvent {
		return say("ok")
	}, usage.StaticCatalog{})
	p := h.project(t)

	h.chat(t, chatBody(p.ID, "same"))
	h.waitStatus(t, p.ID, store.StatusCompleted)
	h.chat(t, chatBody(p.ID, "same"))
	h.waitStatus(t, p.ID, store.StatusCompleted)

	msgs, err := h.store.ListMessages(context.Background(), p.ID)
	require.NoError(t, err)
	var users int
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			users++
		}
	}
	require.Equal(t, 1, users)
}

func TestChatEnrichmentFailureStillFinishes(t *testing.T) {
	prices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(prices.Close)

	h := newHarness(t, func(context.Context, int, unifiedllm.Request) []unifiedllm.StreamEvent {
		return say("done")
	}, usage.NewHTTPCatalog(prices.URL, time.Hour, prices.Client()))
	p := h.project(t)

	envs := h.chat(t, chatBody(p.ID, "hello"))
	last := envs[len(envs)-1]
	require.Equal(t, envelope.TypeFinish, last.Type)

	var raw struct {
		Usage   map[string]int  `json:"usage"`
		Context json.RawMessage `json:"context"`
	}
	require.NoError(t, json.Unmarshal(last.Data, &raw))
	require.Equal(t, 100, raw.Usage["inputTokens"])
	require.Equal(t, 20, raw.Usage["outputTokens"])
	require.Empty(t, raw.Context)

	done := h.waitStatus(t, p.ID, store.StatusCompleted)
	require.Nil(t, done.LastContext)
}

func TestChatModelErrorMarksProjectErrored(t *testing.T) {
	h := newHarness(t, func(context.Context, int, unifiedllm.Request) []unifiedllm.StreamEvent {
		return []unifiedllm.StreamEvent{
			{Type: unifiedllm.StreamStart},
			{Type: unifiedllm.StreamError, Error: errors.New("overloaded")},
		}
	}, usage.StaticCatalog{})
	p := h.project(t)

	envs := h.chat(t, chatBody(p.ID, "hello"))
	last := envs[len(envs)-1]
	require.Equal(t, envelope.TypeError, last.Type)
	require.Empty(t, ofType(envs, envelope.TypeFinish))
	h.waitStatus(t, p.ID, store.StatusError)
}

func TestChatWithoutProject(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})
	envs := h.chat(t, chatBody("", "create a file"))
	require.Equal(t, envelope.TypeFinish, envs[len(envs)-1].Type)
	require.Len(t, ofType(envs, envelope.TypeStepStart), 3)
}

// stubCaller is an external tool server with one tool.
type stubCaller struct {
	closed chan struct{}
	once   sync.Once
}

func (c *stubCaller) ListTools(context.Context) ([]mcppool.ToolInfo, error) {
	return []mcppool.ToolInfo{
		{Name: "searchDocs", Description: "searches docs"},
		{Name: agentloop.ToolRunCommand, Description: "shadow"},
	}, nil
}

func (c *stubCaller) CallTool(context.Context, string, json.RawMessage) (mcppool.CallResult, error) {
	return mcppool.CallResult{}, nil
}

func (c *stubCaller) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestChatExternalToolServers(t *testing.T) {
	caller := &stubCaller{closed: make(chan struct{})}
	dial := func(_ context.Context, d mcppool.Descriptor, _ mcppool.Options) (mcppool.Caller, error) {
		if d.Name == "docs" {
			return caller, nil
		}
		return nil, errors.New("connection refused")
	}
	h := newHarness(t, func(context.Context, int, unifiedllm.Request) []unifiedllm.StreamEvent {
		return say("ok")
	}, usage.StaticCatalog{}, func(o *Options) {
		o.Dial = dial
		o.ToolServers = []mcppool.Descriptor{
			{Name: "docs", Kind: mcppool.KindRemote, URL: "https://docs.example.com/mcp"},
			{Name: "down", Kind: mcppool.KindRemote, URL: "https://down.example.com/sse"},
		}
	})

	envs := h.chat(t, chatBody("", "hello"))
	require.Equal(t, envelope.TypeFinish, envs[len(envs)-1].Type)

	var names []string
	for _, d := range h.model.lastRequest().ToolDefs {
		names = append(names, d.Name)
	}
	require.Equal(t, []string{
		agentloop.ToolCreateSandbox, agentloop.ToolGenerateFiles, agentloop.ToolRunCommand, agentloop.ToolGetSandboxURL,
		"searchDocs",
	}, names)

	select {
	case <-caller.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("tool server was not closed after the stream")
	}
}

func TestBackgroundCommandSurvivesDisconnect(t *testing.T) {
	var commandID string
	h := newHarness(t, func(ctx context.Context, n int, req unifiedllm.Request) []unifiedllm.StreamEvent {
		switch n {
		case 1:
			return callTool("c_sbx", agentloop.ToolCreateSandbox, map[string]any{})
		case 2:
			return callTool("c_dev", agentloop.ToolRunCommand, map[string]any{
				"sandboxId": sandboxIDFrom(req),
				"command":   "sh",
				"args":      []string{"-c", "sleep 0.3; echo ready"},
				"wait":      false,
			})
		default:
			// Hold the round open until the client goes away.
			<-ctx.Done()
			return []unifiedllm.StreamEvent{{Type: unifiedllm.StreamError, Error: ctx.Err()}}
		}
	}, usage.StaticCatalog{})
	p := h.project(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.srv.URL+"/api/chat", strings.NewReader(chatBody(p.ID, "npm run dev")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	rd := envelope.NewReader(resp.Body)
	for commandID == "" {
		env, err := rd.Next()
		require.NoError(t, err)
		if env.Type != envelope.TypeCommand {
			continue
		}
		var c envelope.Command
		require.NoError(t, env.Decode(&c))
		if c.Status == envelope.StatusRunning {
			require.True(t, c.Background)
			commandID = c.CommandID
		}
	}
	cancel()
	resp.Body.Close()

	idle := h.waitStatus(t, p.ID, store.StatusIdle)

	logsResp, err := http.Get(h.srv.URL + "/api/sandboxes/" + idle.SandboxID + "/cmds/" + commandID + "/logs")
	require.NoError(t, err)
	defer logsResp.Body.Close()
	require.Equal(t, envelope.ContentType, logsResp.Header.Get("Content-Type"))
	var lines []sandbox.LogLine
	dec := json.NewDecoder(logsResp.Body)
	for {
		var line sandbox.LogLine
		if err := dec.Decode(&line); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 1)
	require.Equal(t, "ready\n", lines[0].Data)
	require.Equal(t, "stdout", lines[0].Stream)

	// The partial transcript was kept and replays to the running command.
	msgs, err := h.store.ListMessages(context.Background(), p.ID)
	require.NoError(t, err)
	state := session.Replay(store.Transcript(msgs))
	cmd, ok := state.Command(commandID)
	require.True(t, ok)
	require.True(t, cmd.Background)
}

func TestSandboxEndpoints(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})
	env, err := h.sandboxes.Create(context.Background(), sandbox.CreateOptions{Ports: []int{3000}})
	require.NoError(t, err)
	base := h.srv.URL + "/api/sandboxes/" + env.ID()

	var status map[string]string
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/sandboxes/"+env.ID(), &status))
	require.Equal(t, "running", status["status"])
	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/sandboxes/sbx_missing", nil))

	resp, err := http.Post(base+"/files", "application/json", bytes.NewReader([]byte(`{"path":"src/app.go","content":"package main\n"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/files", "application/json", strings.NewReader(`{"path":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(base + "/files?path=src/app.go")
	require.NoError(t, err)
	content, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "package main\n", string(content))

	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/sandboxes/"+env.ID()+"/files?path=nope.txt", nil))
	require.Equal(t, http.StatusBadRequest, h.getJSON(t, "/api/sandboxes/"+env.ID()+"/files", nil))
	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/sandboxes/"+env.ID()+"/cmds/cmd_missing/logs", nil))

	require.NoError(t, env.Stop(context.Background()))
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/sandboxes/"+env.ID(), &status))
	require.Equal(t, "stopped", status["status"])
}

func TestProjectEndpoints(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})
	p := h.project(t)
	require.Equal(t, "demo", p.Title)
	require.Equal(t, store.StatusIdle, p.Status)

	var got store.Project
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects/"+p.ID, &got))
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/projects/nope", nil))
	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/projects/nope/state", nil))

	var state session.State
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects/"+p.ID+"/state", &state))
	require.Empty(t, state.GeneratedPaths)
}

func (h *harness) send(t *testing.T, method, path, body string, v any) int {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestProjectListUpdateDelete(t *testing.T) {
	h := newHarness(t, buildFileScript, usage.StaticCatalog{})
	first := h.project(t)
	second := h.project(t)

	var list struct {
		Projects []store.Project `json:"projects"`
	}
	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects", &list))
	require.Len(t, list.Projects, 2)

	var updated store.Project
	require.Equal(t, http.StatusOK, h.send(t, http.MethodPatch, "/api/projects/"+first.ID,
		`{"title":"Todo app","isPinned":true,"status":"completed","progress":100}`, &updated))
	require.Equal(t, "Todo app", updated.Title)
	require.True(t, updated.Pinned)
	require.Equal(t, store.StatusCompleted, updated.Status)
	require.Equal(t, 100, updated.Progress)

	// Absent fields are left alone.
	require.Equal(t, http.StatusOK, h.send(t, http.MethodPatch, "/api/projects/"+first.ID, `{"previewUrl":"https://3000-x.sandbox.test"}`, &updated))
	require.Equal(t, "Todo app", updated.Title)
	require.Equal(t, "https://3000-x.sandbox.test", updated.PreviewURL)

	var errBody map[string]string
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPatch, "/api/projects/"+first.ID, `{"status":"done"}`, &errBody))
	require.Equal(t, `Unknown status "done".`, errBody["error"])
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPatch, "/api/projects/"+first.ID, `{"progress":101}`, nil))
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPatch, "/api/projects/"+first.ID, `{`, nil))
	require.Equal(t, http.StatusNotFound, h.send(t, http.MethodPatch, "/api/projects/nope", `{"title":"x"}`, nil))

	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects", &list))
	require.Equal(t, first.ID, list.Projects[0].ID, "pinned projects come first")

	var deleted map[string]bool
	require.Equal(t, http.StatusOK, h.send(t, http.MethodDelete, "/api/projects/"+second.ID, "", &deleted))
	require.True(t, deleted["success"])
	require.Equal(t, http.StatusNotFound, h.send(t, http.MethodDelete, "/api/projects/"+second.ID, "", nil))
	require.Equal(t, http.StatusNotFound, h.getJSON(t, "/api/projects/"+second.ID, nil))

	require.Equal(t, http.StatusOK, h.getJSON(t, "/api/projects", &list))
	require.Len(t, list.Projects, 1)
}

func TestCreateMessageJoinsNextChat(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, _ unifiedllm.Request) []unifiedllm.StreamEvent {
		return say("Fixed it.")
	}, usage.StaticCatalog{})
	p := h.project(t)

	report := envelope.Must(envelope.TypeErrorsReported, "", envelope.ErrorsReported{Summary: "Module not found", Paths: []string{"app/page.tsx"}})
	body, _ := json.Marshal(map[string]any{"role": "user", "content": []envelope.Envelope{report}})
	var m store.Message
	require.Equal(t, http.StatusCreated, h.send(t, http.MethodPost, "/api/projects/"+p.ID+"/messages", string(body), &m))
	require.Equal(t, store.RoleUser, m.Role)
	require.NotEmpty(t, m.ID)

	var errBody map[string]string
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPost, "/api/projects/"+p.ID+"/messages", `{"role":"system","content":[{"type":"text","data":{"text":"x"}}]}`, &errBody))
	require.Equal(t, "Role must be 'user' or 'assistant'.", errBody["error"])
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPost, "/api/projects/"+p.ID+"/messages", `{"role":"user","content":[]}`, nil))
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPost, "/api/projects/"+p.ID+"/messages", `{"role":"user","content":[{"type":"widget"}]}`, nil))
	require.Equal(t, http.StatusNotFound, h.send(t, http.MethodPost, "/api/projects/nope/messages", string(body), nil))

	// A request without messages continues from the stored transcript.
	h.chat(t, `{"projectId":"`+p.ID+`"}`)
	var texts []string
	for _, msg := range h.model.lastRequest().Messages {
		if msg.Role == unifiedllm.RoleUser {
			texts = append(texts, msg.TextContent())
		}
	}
	require.Equal(t, []string{agentloop.ErrorsReportedText(envelope.ErrorsReported{Summary: "Module not found", Paths: []string{"app/page.tsx"}})}, texts)
}

func TestErrorsEndpoint(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, req unifiedllm.Request) []unifiedllm.StreamEvent {
		if !strings.Contains(req.Messages[len(req.Messages)-1].TextContent(), "Can't resolve") {
			return say("not json")
		}
		return callTool("c_report", "reportErrors", map[string]any{
			"shouldBeFixed": true,
			"summary":       "Module not found: ./Button",
			"paths":         []string{"app/page.tsx"},
		})
	}, usage.StaticCatalog{})

	var report agentloop.ErrorReport
	require.Equal(t, http.StatusOK, h.send(t, http.MethodPost, "/api/errors",
		`{"lines":[{"command":"pnpm","stream":"stderr","data":"Module not found: Can't resolve './Button'","timestamp":5}]}`, &report))
	require.True(t, report.ShouldBeFixed)
	require.Equal(t, "Module not found: ./Button", report.Summary)
	require.Equal(t, []string{"app/page.tsx"}, report.Paths)
	require.Equal(t, agentloop.DefaultErrorsModel, h.model.lastRequest().Model)

	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPost, "/api/errors", `{"lines":[]}`, nil))
	require.Equal(t, http.StatusBadRequest, h.send(t, http.MethodPost, "/api/errors", `{`, nil))
	require.Equal(t, http.StatusBadGateway, h.send(t, http.MethodPost, "/api/errors", `{"lines":[{"data":"ok"}]}`, nil))
}
