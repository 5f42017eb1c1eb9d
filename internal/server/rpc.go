package server

import (
	"log/slog"

	"github.com/nyxcore/acpd/internal/acp"
)

// RPCFunc is one server-side function exposed to RPC calls (spec section
// 4.8, "RPC protocol"). It receives the decoded "inputs" dict and returns
// the "outputs" dict the caller should see.
type RPCFunc func(inputs map[string]any) (outputs map[string]any, err error)

// RPCRegistry resolves an RPC call's "function" name to its implementation
// (spec section 4.8 treats function dispatch by name as a server-side
// concern it does not otherwise define).
type RPCRegistry map[string]RPCFunc

// handleRPC answers an RPC request by decoding {function, inputs}, looking
// up function in the registry, and replying {status, outputs}. An unknown
// function name or a function error both report status 1 with an empty
// outputs dict; the RPCFunc's error is logged but not echoed on the wire,
// matching spec section 4.8's opaque non-zero status contract.
func (c *connState) handleRPC(msg acp.Message) error {
	req, err := acp.PListUnmarshalDict(msg.Body)
	if err != nil {
		return err
	}
	function, _ := req["function"].(string)
	inputs, _ := req["inputs"].(map[string]any)

	status := uint64(0)
	outputs := map[string]any{}

	fn, ok := c.server.RPCFuncs[function]
	if !ok {
		status = 1
	} else if out, fnErr := fn(inputs); fnErr != nil {
		status = 1
		c.server.Logger.Warn("rpc function failed",
			slog.String("function", function),
			slog.String("error", fnErr.Error()),
		)
	} else {
		outputs = out
	}

	if c.server.Metrics != nil {
		c.server.Metrics.IncRPCCalls(status == 0)
	}

	body, err := acp.PListMarshal(map[string]any{"status": status, "outputs": outputs})
	if err != nil {
		return err
	}
	return c.reply(acp.CommandRPC, body, 0)
}

// handleGetFeatures answers a GET_FEATURES request with the server's
// static feature list (spec section 4.8, "Features / Flash / Reboot").
func (c *connState) handleGetFeatures(msg acp.Message) error {
	body, err := acp.PListMarshal(c.server.Features)
	if err != nil {
		return err
	}
	return c.reply(acp.CommandGetFeatures, body, 0)
}
