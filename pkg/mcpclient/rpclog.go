package mcpclient

import (
	"fmt"
	"strings"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent carries one raw JSON-RPC message for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when tracing is enabled.
type RPCLogger func(RPCLogEvent)

// ConsoleRPCLogger prints traffic to stdout, one line per message.
func ConsoleRPCLogger(event RPCLogEvent) {
	fmt.Printf("[MCP:%s] %s %s\n", event.ServerID, strings.ToUpper(string(event.Direction)), string(event.Message))
}

func (c *Client) emit(direction RPCDirection, msg []byte) {
	if c.opts.RPCLogger == nil {
		return
	}
	c.opts.RPCLogger(RPCLogEvent{Direction: direction, Message: msg, ServerID: c.opts.ServerID})
}
