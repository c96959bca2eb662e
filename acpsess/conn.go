package acpsess

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

// conn is one live connection to an agent subprocess. A conn is shared by
// every session opened for the same (agent id, workdir) pair.
type conn struct {
	proc      *agentProcess
	sup       *Supervisor
	fs        *workspaceFs
	terminals *terminalManager
	agentInfo *protocol.InitializeResponse
	pending   map[int64]chan *rpcResult
	done      chan struct{}
	log       *slog.Logger
	agentID   string
	workdir   string
	idGen     protocol.IDGenerator
	mu        sync.Mutex
	readWg    sync.WaitGroup
	started   bool
	stopping  bool
}

// rpcResult holds the outcome of one JSON-RPC round trip.
type rpcResult struct {
	Response *protocol.Response
	Error    error
}

func newConn(sup *Supervisor, agentID, workdir string, log *slog.Logger) *conn {
	return &conn{
		sup:       sup,
		agentID:   agentID,
		workdir:   workdir,
		fs:        &workspaceFs{root: workdir},
		terminals: newTerminalManager(workdir),
		pending:   make(map[int64]chan *rpcResult),
		done:      make(chan struct{}),
		log:       log,
	}
}

// start spawns the subprocess and runs the initialize handshake.
func (c *conn) start(ctx context.Context, cfg AgentConfig) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	c.proc = newAgentProcess(cfg)
	if err := c.proc.Start(ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	c.proc.startStderrReader(func(b []byte) {
		c.log.Debug("agent stderr", "agent", c.agentID, "output", strings.TrimRight(string(b), "\n"))
	})

	c.readWg.Add(1)
	go c.readLoop()

	c.started = true
	c.mu.Unlock()

	if err := c.initialize(ctx, cfg); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *conn) initialize(ctx context.Context, cfg AgentConfig) error {
	params := protocol.InitializeRequest{
		ProtocolVersion: protocol.Version,
		ClientInfo: &protocol.Implementation{
			Name:    cfg.ClientName,
			Version: cfg.ClientVersion,
		},
		ClientCapabilities: &protocol.ClientCapabilities{
			Fs: &protocol.FsCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	}

	var initResp protocol.InitializeResponse
	if err := c.call(ctx, protocol.MethodInitialize, params, &initResp); err != nil {
		return err
	}

	c.mu.Lock()
	c.agentInfo = &initResp
	c.mu.Unlock()

	c.log.Info("agent initialized",
		"agent", c.agentID,
		"workdir", c.workdir,
		"protocol_version", initResp.ProtocolVersion)
	return nil
}

// supportsLoad reports whether the agent can replay persisted sessions.
func (c *conn) supportsLoad() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentInfo != nil &&
		c.agentInfo.AgentCapabilities != nil &&
		c.agentInfo.AgentCapabilities.LoadSession
}

// stop tears the connection down and kills any live terminals.
func (c *conn) stop() {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	close(c.done)
	c.terminals.closeAll()
	_ = c.proc.Stop()
	c.readWg.Wait()

	// Fail anything still waiting for a response.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- &rpcResult{Error: ErrStopping}:
		default:
		}
	}
	c.mu.Unlock()
}

// call sends a request, waits for the response and unmarshals the result.
func (c *conn) call(ctx context.Context, method string, params, result any) error {
	id := c.idGen.Next()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.proc.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return res.Error
		}
		if result != nil && res.Response.Result != nil {
			if err := json.Unmarshal(res.Response.Result, result); err != nil {
				return &ProtocolError{Message: "failed to parse " + method + " response", Cause: err}
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrStopping
	}
}

// notify sends a notification, expecting no reply.
func (c *conn) notify(method string, params any) error {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.proc.WriteJSON(notif)
}

func (c *conn) readLoop() {
	defer c.readWg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
			line, err := c.proc.ReadLine()
			if err != nil {
				if err != io.EOF && !c.isStopping() {
					c.log.Warn("agent read failed", "agent", c.agentID, "error", err)
				}
				return
			}
			c.handleMessage(line)
		}
	}
}

func (c *conn) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// handleMessage discriminates one wire message: method+id is an agent
// request, id alone is a response to us, method alone is a notification.
func (c *conn) handleMessage(line []byte) {
	var base struct {
		ID     *int64 `json:"id,omitempty"`
		Method string `json:"method,omitempty"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		c.log.Warn("malformed agent message", "agent", c.agentID, "error", err)
		return
	}

	switch {
	case base.Method != "" && base.ID != nil:
		c.handleAgentRequest(line, base.Method, *base.ID)
	case base.ID != nil:
		c.handleResponse(line, *base.ID)
	case base.Method != "":
		c.handleNotification(line, base.Method)
	}
}

func (c *conn) handleResponse(line []byte, id int64) {
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.log.Warn("malformed agent response", "agent", c.agentID, "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	res := &rpcResult{Response: &resp}
	if resp.Error != nil {
		res.Error = &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *conn) handleNotification(line []byte, method string) {
	if method != protocol.MethodSessionUpdate {
		return
	}
	var notif protocol.Notification
	if err := json.Unmarshal(line, &notif); err != nil {
		return
	}
	var update protocol.SessionNotification
	if err := json.Unmarshal(notif.Params, &update); err != nil {
		return
	}
	c.sup.dispatchUpdate(update.SessionID, update.Update)
}

func (c *conn) handleAgentRequest(line []byte, method string, id int64) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendErrorResponse(id, protocol.CodeParseError, "malformed request")
		return
	}

	switch method {
	case protocol.MethodFsReadTextFile:
		serve(c, id, req.Params, func(r protocol.ReadTextFileRequest) (*protocol.ReadTextFileResponse, error) {
			return c.fs.readTextFile(r)
		})
	case protocol.MethodFsWriteTextFile:
		serve(c, id, req.Params, func(r protocol.WriteTextFileRequest) (*protocol.WriteTextFileResponse, error) {
			return c.fs.writeTextFile(r)
		})
	case protocol.MethodTerminalCreate:
		serve(c, id, req.Params, func(r protocol.CreateTerminalRequest) (*protocol.CreateTerminalResponse, error) {
			return c.terminals.create(r)
		})
	case protocol.MethodTerminalOutput:
		serve(c, id, req.Params, func(r protocol.TerminalOutputRequest) (*protocol.TerminalOutputResponse, error) {
			return c.terminals.output(r)
		})
	case protocol.MethodTerminalWaitExit:
		// Blocks until the command exits; must not stall the read loop.
		go serve(c, id, req.Params, func(r protocol.WaitForTerminalExitRequest) (*protocol.WaitForTerminalExitResponse, error) {
			return c.terminals.waitForExit(r)
		})
	case protocol.MethodTerminalKill:
		serve(c, id, req.Params, func(r protocol.KillTerminalRequest) (*protocol.KillTerminalResponse, error) {
			return c.terminals.kill(r)
		})
	case protocol.MethodTerminalRelease:
		serve(c, id, req.Params, func(r protocol.ReleaseTerminalRequest) (*protocol.ReleaseTerminalResponse, error) {
			return c.terminals.release(r)
		})
	case protocol.MethodRequestPermission:
		// A user decision can take minutes; handled off the read loop so
		// session updates keep flowing while the request is pending.
		go c.handleRequestPermission(id, req.Params)
	default:
		c.sendErrorResponse(id, protocol.CodeMethodNotFound, "unknown method: "+method)
	}
}

// serve decodes one typed agent request, runs the handler and replies.
func serve[Req, Resp any](c *conn, id int64, params json.RawMessage, fn func(Req) (*Resp, error)) {
	var req Req
	if err := json.Unmarshal(params, &req); err != nil {
		c.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
		return
	}
	resp, err := fn(req)
	if err != nil {
		c.sendErrorResponse(id, protocol.CodeInternalError, err.Error())
		return
	}
	c.sendResponse(id, resp)
}

func (c *conn) handleRequestPermission(id int64, params json.RawMessage) {
	var req protocol.RequestPermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		c.sendErrorResponse(id, protocol.CodeInvalidParams, err.Error())
		return
	}

	resp := c.sup.requestPermission(req)
	c.sendResponse(id, resp)
}

func (c *conn) sendResponse(id int64, result any) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		return
	}
	_ = c.proc.WriteJSON(resp)
}

func (c *conn) sendErrorResponse(id int64, code int, message string) {
	_ = c.proc.WriteJSON(protocol.NewErrorResponse(id, code, message))
}
