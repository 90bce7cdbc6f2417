// Package mcpmgr manages many independent connections to Model Context
// Protocol (MCP) servers from a single Go process. Each server is either a
// local subprocess spoken to over stdio or a remote HTTP endpoint, and each
// moves through its own connection state machine without affecting the
// others.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then call Connect / Disconnect per server or
//     ConnectEnabled once at startup. There is no automatic reconnect: a
//     server whose transport dies stays in StateError until Connect is
//     called again.
//   - ServerConfig declares how each server is launched or contacted.
//     LoadConfigFile and SaveConfigFile persist a list of them as YAML or
//     JSON; Sync applies an edited list to a running Manager.
//   - ManagerOptions set client identifiers, timeouts, the shutdown grace
//     period, JSON-RPC logging, the stats collector and the OAuth
//     coordinator used for HTTP bearer tokens.
//
// Connected servers are used through CallTool, ReadResource and Ping; their
// cached tools are available from Tools and AllTools. Observers call
// Subscribe for a bounded Event feed (status, tools, log, oauth) or register
// OnToolsChanged to resync derived state. Snapshot and Snapshots return
// copies of the runtime records for display.
//
// When branching on the transport of a ServerConfig use TransportOf or the
// IsStdio/IsHTTP guards, and AsStdio/AsHTTP to narrow to the relevant
// fields.
package mcpmgr
