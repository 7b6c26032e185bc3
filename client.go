package mcp

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of an MCP session on top of a Transport.
// It performs the handshake, exposes the tool, resource and prompt operations
// with per-kind timeouts, answers the server's ping and roots/list requests
// and routes server notifications to the registered listeners.
//
// A Client must be created using NewClient() and requires Connect() to be
// called before any operation. Close releases the transport.
type Client struct {
	info      Info
	transport *Transport
	logger    *zap.Logger

	initializeTimeout  time.Duration
	toolTimeout        time.Duration
	resourcesTimeout   time.Duration
	promptsTimeout     time.Duration
	pingTimeout        time.Duration
	toolTimeoutMessage string
	healthInterval     time.Duration

	toolPatterns []string
	toolFilter   []glob.Glob

	cacheTools bool
	toolsMu    sync.Mutex
	tools      *ListToolsResult
	toolsFetch *toolListFetch
	// toolsEpoch counts evictions so a fetch that raced one is not cached.
	toolsEpoch uint64

	promptListWatcher   PromptListWatcher
	resourceListWatcher ResourceListWatcher
	toolListWatcher     ToolListWatcher
	progressListener    ProgressListener
	logReceiver         LogReceiver

	mu                 sync.RWMutex
	roots              []Root
	initialized        bool
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	stopHealth context.CancelFunc
	healthDone chan struct{}
}

type toolListFetch struct {
	done   chan struct{}
	result ListToolsResult
	err    error
}

var (
	defaultClientInitializeTimeout = 30 * time.Second
	defaultClientToolTimeout       = 60 * time.Second
	defaultClientResourcesTimeout  = 60 * time.Second
	defaultClientPromptsTimeout    = 60 * time.Second
	defaultClientPingTimeout       = 10 * time.Second

	defaultToolTimeoutMessage = "There was a timeout executing the tool"
)

// WithClientLogger sets the logger. The transport's logger is not affected.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithInitializeTimeout bounds the initialize handshake.
func WithInitializeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.initializeTimeout = timeout
	}
}

// WithToolTimeout bounds tools/list and tools/call.
func WithToolTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.toolTimeout = timeout
	}
}

// WithResourcesTimeout bounds the resource operations.
func WithResourcesTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.resourcesTimeout = timeout
	}
}

// WithPromptsTimeout bounds the prompt operations.
func WithPromptsTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.promptsTimeout = timeout
	}
}

// WithPingTimeout bounds ping.
func WithPingTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pingTimeout = timeout
	}
}

// WithToolTimeoutMessage sets the text of the error result returned for a
// timed out tool call.
func WithToolTimeoutMessage(msg string) ClientOption {
	return func(c *Client) {
		c.toolTimeoutMessage = msg
	}
}

// WithHealthCheckInterval enables a periodic health check and ping once
// connected. Failures are logged; the session is not re-established.
func WithHealthCheckInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.healthInterval = interval
	}
}

// WithToolFilter restricts the visible tools to those whose name matches one
// of the glob patterns. Hidden tools are also refused by CallTool. Invalid
// patterns are logged and ignored.
func WithToolFilter(patterns ...string) ClientOption {
	return func(c *Client) {
		c.toolPatterns = append(c.toolPatterns, patterns...)
	}
}

// WithToolListCache keeps the first page of tools/list until the server
// announces a change or EvictToolListCache is called. Concurrent misses share
// one request.
func WithToolListCache() ClientOption {
	return func(c *Client) {
		c.cacheTools = true
	}
}

// WithRoots sets the roots reported to the server before the first SetRoots.
func WithRoots(roots ...Root) ClientOption {
	return func(c *Client) {
		c.roots = append([]Root(nil), roots...)
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// NewClient creates a client over transport, which must not be started yet.
// The client installs its own handlers for peer requests and notifications;
// handlers set on the transport still see whatever the client does not handle.
func NewClient(info Info, transport *Transport, options ...ClientOption) *Client {
	c := &Client{
		info:               info,
		transport:          transport,
		logger:             zap.NewNop(),
		initializeTimeout:  defaultClientInitializeTimeout,
		toolTimeout:        defaultClientToolTimeout,
		resourcesTimeout:   defaultClientResourcesTimeout,
		promptsTimeout:     defaultClientPromptsTimeout,
		pingTimeout:        defaultClientPingTimeout,
		toolTimeoutMessage: defaultToolTimeoutMessage,
	}
	for _, opt := range options {
		opt(c)
	}

	for _, p := range c.toolPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			c.logger.Warn("invalid tool filter pattern ignored", zap.String("pattern", p), zap.Error(err))
			continue
		}
		c.toolFilter = append(c.toolFilter, g)
	}

	transport.handle(c.wrapRequestHandler, c.handleNotification)
	return c
}

// Connect starts the transport and performs the initialize handshake. The
// handshake is bounded by the initialize timeout; a failure leaves the
// transport failed and the client unusable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start transport")
	}

	iCtx, iCancel := context.WithTimeout(ctx, c.initializeTimeout)
	defer iCancel()

	raw, err := c.transport.Initialize(iCtx, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{Roots: &RootsCapability{ListChanged: true}},
		ClientInfo:      c.info,
	})
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.Wrap(err, "failed to unmarshal initialize result")
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("protocol version mismatch",
			zap.String("server", result.ProtocolVersion), zap.String("client", ProtocolVersion))
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("connected",
		zap.String("server", result.ServerInfo.Name), zap.String("version", result.ServerInfo.Version))

	if c.healthInterval > 0 {
		hCtx, hCancel := context.WithCancel(context.Background())
		c.stopHealth = hCancel
		c.healthDone = make(chan struct{})
		go c.healthLoop(hCtx)
	}
	return nil
}

// ListTools retrieves the tools offered by the server, with the tool filter
// applied.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.require("tools", c.ToolServerSupported); err != nil {
		return ListToolsResult{}, err
	}

	var (
		result ListToolsResult
		err    error
	)
	if c.cacheTools && params.Cursor == "" && params.Meta == nil {
		result, err = c.cachedTools(ctx)
	} else {
		result, err = call[ListToolsResult](ctx, c, c.toolTimeout, MethodToolsList, params)
	}
	if err != nil {
		return ListToolsResult{}, err
	}
	if len(c.toolFilter) == 0 {
		return result, nil
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if c.toolAllowed(tool.Name) {
			tools = append(tools, tool)
		}
	}
	result.Tools = tools
	return result, nil
}

// EvictToolListCache drops the cached tool list so the next ListTools asks
// the server.
func (c *Client) EvictToolListCache() {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	c.tools = nil
	c.toolsEpoch++
}

func (c *Client) cachedTools(ctx context.Context) (ListToolsResult, error) {
	c.toolsMu.Lock()
	if c.tools != nil {
		result := *c.tools
		c.toolsMu.Unlock()
		result.Tools = slices.Clone(result.Tools)
		return result, nil
	}
	if f := c.toolsFetch; f != nil {
		c.toolsMu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return ListToolsResult{}, newTransportError(MethodToolsList, ErrCancelled, ctx.Err())
		}
		if f.err != nil {
			return ListToolsResult{}, f.err
		}
		result := f.result
		result.Tools = slices.Clone(result.Tools)
		return result, nil
	}

	f := &toolListFetch{done: make(chan struct{})}
	c.toolsFetch = f
	epoch := c.toolsEpoch
	c.toolsMu.Unlock()

	f.result, f.err = call[ListToolsResult](ctx, c, c.toolTimeout, MethodToolsList, ListToolsParams{})

	c.toolsMu.Lock()
	c.toolsFetch = nil
	if f.err == nil && epoch == c.toolsEpoch {
		cached := f.result
		c.tools = &cached
	}
	c.toolsMu.Unlock()
	close(f.done)

	result := f.result
	result.Tools = slices.Clone(result.Tools)
	return result, f.err
}

// CallTool executes a tool on the server. A call that exceeds the tool
// timeout is cancelled and reported as an error result rather than an error.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.require("tools", c.ToolServerSupported); err != nil {
		return CallToolResult{}, err
	}
	if !c.toolAllowed(params.Name) {
		return CallToolResult{}, errors.Errorf("tool %q is not allowed", params.Name)
	}

	result, err := call[CallToolResult](ctx, c, c.toolTimeout, MethodToolsCall, params)
	if errors.Is(err, ErrTimeout) {
		c.logger.Warn("tool call timed out", zap.String("tool", params.Name), zap.Duration("timeout", c.toolTimeout))
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: c.toolTimeoutMessage}},
			IsError: true,
		}, nil
	}
	return result, err
}

// ListResources retrieves the resources offered by the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.require("resources", c.ResourceServerSupported); err != nil {
		return ListResourcesResult{}, err
	}
	return call[ListResourcesResult](ctx, c, c.resourcesTimeout, MethodResourcesList, params)
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.require("resources", c.ResourceServerSupported); err != nil {
		return ReadResourceResult{}, err
	}
	return call[ReadResourceResult](ctx, c, c.resourcesTimeout, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves the resource templates offered by the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.require("resources", c.ResourceServerSupported); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return call[ListResourceTemplatesResult](ctx, c, c.resourcesTimeout, MethodResourcesTemplatesList, params)
}

// ListPrompts retrieves the prompts offered by the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.require("prompts", c.PromptServerSupported); err != nil {
		return ListPromptResult{}, err
	}
	return call[ListPromptResult](ctx, c, c.promptsTimeout, MethodPromptsList, params)
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.require("prompts", c.PromptServerSupported); err != nil {
		return GetPromptResult{}, err
	}
	return call[GetPromptResult](ctx, c, c.promptsTimeout, MethodPromptsGet, params)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.require("", nil); err != nil {
		return err
	}
	_, err := call[json.RawMessage](ctx, c, c.pingTimeout, MethodPing, nil)
	return err
}

// SetRoots replaces the roots reported to the server and, once connected,
// sends notifications/roots/list_changed.
func (c *Client) SetRoots(ctx context.Context, roots ...Root) error {
	c.mu.Lock()
	c.roots = append([]Root(nil), roots...)
	initialized := c.initialized
	c.mu.Unlock()

	if !initialized {
		return nil
	}
	return c.transport.Notify(ctx, MethodNotificationsRootsListChanged, nil)
}

// CheckHealth asks the transport whether the peer is alive, then pings the
// server within the ping timeout.
func (c *Client) CheckHealth(ctx context.Context) error {
	if err := c.transport.CheckHealth(ctx); err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Close stops the health check and closes the transport.
func (c *Client) Close() error {
	if c.stopHealth != nil {
		c.stopHealth()
		<-c.healthDone
	}
	return c.transport.Close()
}

// Transport returns the underlying transport.
func (c *Client) Transport() *Transport {
	return c.transport
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities announced by the server.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// Instructions returns the usage instructions sent by the server, if any.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.ServerCapabilities().Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.ServerCapabilities().Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.ServerCapabilities().Tools != nil
}

func (c *Client) require(feature string, supported func() bool) error {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if !initialized {
		return errors.New("client not initialized")
	}
	if supported != nil && !supported() {
		return errors.Errorf("%s not supported by server", feature)
	}
	return nil
}

func (c *Client) toolAllowed(name string) bool {
	if len(c.toolFilter) == 0 {
		return true
	}
	for _, g := range c.toolFilter {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func call[T any](ctx context.Context, c *Client, timeout time.Duration, method string, params any) (T, error) {
	var result T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, errors.Wrapf(err, "failed to unmarshal %s result", method)
	}
	return result, nil
}

func (c *Client) healthLoop(ctx context.Context) {
	defer close(c.healthDone)

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.transport.CheckHealth(ctx); err != nil {
			c.logger.Error("health check failed, stopping", zap.Error(err))
			return
		}
		if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("ping failed", zap.Error(err))
		}
	}
}

func (c *Client) wrapRequestHandler(next RequestHandler) RequestHandler {
	return func(ctx context.Context, msg JSONRPCMessage) (any, error) {
		switch msg.Method {
		case MethodPing:
			return struct{}{}, nil
		case MethodRootsList:
			c.mu.RLock()
			roots := append([]Root{}, c.roots...)
			c.mu.RUnlock()
			return RootList{Roots: roots}, nil
		}
		return next(ctx, msg)
	}
}

func (c *Client) handleNotification(_ context.Context, msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal progress params", zap.Error(err))
			return
		}
		if c.progressListener != nil {
			c.progressListener.OnProgress(params)
		}
	case MethodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal log params", zap.Error(err))
			return
		}
		if c.logReceiver != nil {
			c.logReceiver.OnLog(params)
			return
		}
		c.logger.Check(zapLevel(params.Level), "server log").Write(
			zap.String("logger", params.Logger), zap.ByteString("data", params.Data))
	case MethodNotificationsToolsListChanged:
		if c.cacheTools {
			c.EvictToolListCache()
		}
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case MethodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case MethodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case MethodNotificationsCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			c.logger.Debug("server cancelled request",
				zap.Stringer("id", params.RequestID), zap.String("reason", params.Reason))
		}
	default:
		c.logger.Debug("unhandled notification", zap.String("method", msg.Method))
	}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo, LogLevelNotice:
		return zapcore.InfoLevel
	case LogLevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
