package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reprapd/pkg/channel"
	"reprapd/pkg/errors"
	"reprapd/pkg/gcode"
	"reprapd/pkg/interceptor"
)

// JSON-RPC 2.0 wire structures.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireMessage struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func toWire(result gcode.Result) []wireMessage {
	out := make([]wireMessage, len(result))
	for i, m := range result {
		kind := "success"
		switch m.Kind {
		case gcode.Warning:
			kind = "warning"
		case gcode.Error:
			kind = "error"
		}
		out[i] = wireMessage{Kind: kind, Text: m.Text}
	}
	return out
}

func fromWire(messages []wireMessage) gcode.Result {
	out := make(gcode.Result, len(messages))
	for i, m := range messages {
		kind := gcode.Success
		switch m.Kind {
		case "warning":
			kind = gcode.Warning
		case "error":
			kind = gcode.Error
		}
		out[i] = gcode.Message{Kind: kind, Text: m.Text}
	}
	return out
}

type execParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

type registerParams struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels,omitempty"`
	Types    []string `json:"types,omitempty"`
}

type cancelParams struct {
	Channel string `json:"channel"`
}

// interceptRequest is the server-to-client callback for an intercepted
// code. The client answers with an intercept.reply carrying the same ID.
type interceptRequest struct {
	ID      string `json:"id"`
	Stage   string `json:"stage"`
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

type interceptReply struct {
	ID       string        `json:"id"`
	Resolved bool          `json:"resolved"`
	Messages []wireMessage `json:"messages,omitempty"`
}

// client is one connected IPC peer.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	sendCh chan any
	done   chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	registration *interceptor.Registration
	pending      map[string]chan interceptReply
}

func (c *client) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %s", c.id)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[string]chan interceptReply)
		c.mu.Unlock()
	})
}

func (c *client) takeRegistration() *interceptor.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg := c.registration
	c.registration = nil
	return reg
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.WithError(err).Warn("client %s read failed", c.id)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "parse error")
		return
	}

	// intercept.reply is a notification routed to the waiting
	// interception, not a method call.
	if req.Method == "intercept.reply" {
		c.routeReply(req.Params)
		return
	}

	result, err := c.dispatch(req)
	if err != nil {
		c.sendError(req.ID, -32000, err.Error())
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (c *client) sendError(id any, code int, message string) {
	c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id})
}

func (c *client) dispatch(req rpcRequest) (any, error) {
	switch req.Method {
	case "host.exec":
		return c.methodExec(req.Params)
	case "host.cancel":
		return c.methodCancel(req.Params)
	case "intercept.register":
		return c.methodRegister(req.Params)
	case "intercept.unregister":
		return c.methodUnregister()
	default:
		return nil, errors.New(errors.ErrIPC, "method not found: "+req.Method)
	}
}

// methodExec parses and executes one code line on behalf of the client.
// The client's registration is attached as the code source, so codes
// submitted mid-interception classify at the highest priority.
func (c *client) methodExec(raw json.RawMessage) (any, error) {
	var params execParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Wrap(err, errors.ErrIPC, "invalid exec params")
	}

	ch, err := channel.Parse(params.Channel)
	if err != nil {
		return nil, err
	}
	code, err := gcode.Parse(ch, params.Code)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return map[string]any{"messages": []wireMessage{}}, nil
	}

	c.mu.Lock()
	if c.registration != nil {
		code.Source = c.registration
	}
	c.mu.Unlock()

	result, err := c.server.cfg.Pipeline.Execute(context.Background(), code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": toWire(result)}, nil
}

func (c *client) methodCancel(raw json.RawMessage) (any, error) {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Wrap(err, errors.ErrIPC, "invalid cancel params")
	}
	ch, err := channel.Parse(params.Channel)
	if err != nil {
		return nil, err
	}
	if c.server.cfg.Scheduler == nil {
		return nil, errors.New(errors.ErrIPC, "cancellation not available")
	}
	c.server.cfg.Scheduler.CancelChannel(ch)
	return map[string]any{}, nil
}

// methodRegister turns this connection into an interceptor session.
func (c *client) methodRegister(raw json.RawMessage) (any, error) {
	var params registerParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Wrap(err, errors.ErrIPC, "invalid register params")
	}
	if c.server.cfg.Registry == nil {
		return nil, errors.New(errors.ErrIPC, "interception not available")
	}

	filter, err := buildFilter(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.registration != nil {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrIPCSession, "session already registered")
	}
	name := params.Name
	if name == "" {
		name = c.id
	}
	reg := c.server.cfg.Registry.Register(name, filter, &session{client: c})
	c.registration = reg
	c.mu.Unlock()

	return map[string]any{"session": c.id}, nil
}

func (c *client) methodUnregister() (any, error) {
	reg := c.takeRegistration()
	if reg == nil {
		return nil, errors.New(errors.ErrIPCSession, "no registered session")
	}
	c.server.cfg.Registry.Unregister(reg)
	return map[string]any{}, nil
}

func buildFilter(params registerParams) (interceptor.Filter, error) {
	var filter interceptor.Filter
	for _, name := range params.Channels {
		ch, err := channel.Parse(name)
		if err != nil {
			return filter, err
		}
		filter.Channels = append(filter.Channels, ch)
	}
	for _, name := range params.Types {
		switch name {
		case "G", "g":
			filter.Types = append(filter.Types, gcode.GCode)
		case "M", "m":
			filter.Types = append(filter.Types, gcode.MCode)
		case "T", "t":
			filter.Types = append(filter.Types, gcode.TCode)
		default:
			return filter, errors.New(errors.ErrIPC, "unknown code type: "+name)
		}
	}
	return filter, nil
}

func (c *client) routeReply(raw json.RawMessage) {
	var reply interceptReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		c.server.logger.WithError(err).Warn("client %s sent a malformed intercept reply", c.id)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- reply
	}
}

// session adapts the connection to interceptor.Service: each Pre/Post
// interception becomes a request/reply round trip with the client,
// Executed a one-way notification.
type session struct {
	client *client
}

func (s *session) Intercept(ctx context.Context, code *gcode.Code, stage interceptor.Stage) (bool, error) {
	c := s.client
	req := interceptRequest{
		Stage:   stage.String(),
		Channel: code.Channel.String(),
		Code:    code.String(),
	}

	if stage == interceptor.Executed {
		c.send(notification("intercept.code", req))
		return false, nil
	}

	req.ID = uuid.NewString()
	reply := make(chan interceptReply, 1)
	c.mu.Lock()
	c.pending[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.send(notification("intercept.code", req))

	timeout := time.NewTimer(c.server.cfg.InterceptTimeout)
	defer timeout.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			// Connection closed mid-interception; pass the code on.
			return false, nil
		}
		if r.Resolved {
			code.Result = fromWire(r.Messages)
			return true, nil
		}
		return false, nil
	case <-timeout.C:
		c.server.logger.Warn("client %s interception timed out, passing %s through",
			c.id, code.ShortString())
		return false, nil
	case <-c.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func notification(method string, params any) rpcRequest {
	data, _ := json.Marshal(params)
	return rpcRequest{JSONRPC: "2.0", Method: method, Params: data}
}
