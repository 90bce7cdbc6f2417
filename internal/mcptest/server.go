// Package mcptest runs a minimal MCP server inside a re-executed test
// binary so packages can exercise real subprocess transports without
// external tools.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		mcptest.MaybeServe()
//		os.Exit(m.Run())
//	}
//
// and launches servers with the values returned by Command.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/rpcwire"
)

const (
	envMode  = "MCPTEST_MODE"
	envName  = "MCPTEST_NAME"
	envTools = "MCPTEST_TOOLS"
)

// Modes accepted by Command.
const (
	// ModeServe answers initialize, tools/list, tools/call and ping.
	ModeServe = "serve"
	// ModeBadArgs writes a diagnostic to stderr and exits with status 3.
	ModeBadArgs = "exit3"
	// ModeCrashAfterInit serves the handshake and tool list, then exits
	// with status 7 on the first tools/call.
	ModeCrashAfterInit = "crash"
	// ModeHang never answers, ignores SIGTERM and stdin EOF, and writes
	// its pid to the file passed as name.
	ModeHang = "hang"
)

// Command returns what a stdio config needs to launch a fake server named
// name exposing tools. Each tool echoes its arguments except:
//
//	fail  returns a tool error
//	slow  sleeps two seconds first
//	notify emits a progress notification before replying
func Command(t testing.TB, mode, name string, tools ...string) (string, []string, map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe, []string{"-test.run=^$"}, map[string]string{
		envMode:  mode,
		envName:  name,
		envTools: strings.Join(tools, ","),
	}
}

// MaybeServe runs the fake server and exits when the process was launched
// by Command. Otherwise it returns immediately.
func MaybeServe() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	switch mode {
	case ModeBadArgs:
		fmt.Fprintln(os.Stderr, "error: bad arguments")
		os.Exit(3)
	case ModeHang:
		signal.Ignore(syscall.SIGTERM)
		_ = os.WriteFile(os.Getenv(envName), []byte(strconv.Itoa(os.Getpid())), 0o600)
		for {
			time.Sleep(time.Hour)
		}
	case ModeServe, ModeCrashAfterInit:
		s := &server{
			name:  os.Getenv(envName),
			crash: mode == ModeCrashAfterInit,
			out:   bufio.NewWriter(os.Stdout),
		}
		if tools := os.Getenv(envTools); tools != "" {
			s.tools = strings.Split(tools, ",")
		}
		s.run()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "mcptest: unknown mode %q\n", mode)
		os.Exit(2)
	}
}

type server struct {
	name  string
	tools []string
	crash bool

	mu  sync.Mutex
	out *bufio.Writer
}

func (s *server) run() {
	fmt.Fprintln(os.Stderr, "info: "+s.name+" ready")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg, err := rpcwire.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		req, ok := msg.(*rpcwire.Request)
		if !ok || !req.IsCall() {
			continue
		}
		go s.handle(req)
	}
}

func (s *server) write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	s.out.WriteByte('\n')
	s.out.Flush()
}

func (s *server) reply(id rpcwire.ID, result any) {
	resp, err := rpcwire.NewResult(id, result)
	if err != nil {
		return
	}
	data, err := rpcwire.Encode(resp)
	if err != nil {
		return
	}
	s.write(data)
}

func (s *server) fail(id rpcwire.ID, code int64, msg string) {
	data, err := rpcwire.EncodeError(id, code, msg)
	if err == nil {
		s.write(data)
	}
}

func (s *server) handle(req *rpcwire.Request) {
	switch req.Method {
	case "initialize":
		s.reply(req.ID, map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": s.name, "version": "0.0.1"},
		})
	case "ping":
		s.reply(req.ID, map[string]any{})
	case "tools/list":
		tools := make([]map[string]any, 0, len(s.tools))
		for _, name := range s.tools {
			tools = append(tools, map[string]any{
				"name":        name,
				"description": fmt.Sprintf("%s tool of %s", name, s.name),
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"query": map[string]any{"type": "string"}},
				},
			})
		}
		s.reply(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		if s.crash {
			fmt.Fprintln(os.Stderr, "fatal: crashing on purpose")
			os.Exit(7)
		}
		var params mcp.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		s.call(req.ID, &params)
	default:
		s.fail(req.ID, rpcwire.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *server) call(id rpcwire.ID, params *mcp.CallToolParams) {
	args, _ := json.Marshal(params.Arguments)
	text := func(t string, isError bool) map[string]any {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": t}},
			"isError": isError,
		}
	}
	switch params.Name {
	case "fail":
		s.reply(id, text("tool failed", true))
	case "slow":
		time.Sleep(2 * time.Second)
		s.reply(id, text(s.name+":"+string(args), false))
	case "notify":
		if token := params.GetProgressToken(); token != nil {
			note, err := rpcwire.NewNotification("notifications/progress", map[string]any{
				"progressToken": token,
				"progress":      1,
				"total":         2,
				"message":       "halfway",
			})
			if err == nil {
				if data, err := rpcwire.Encode(note); err == nil {
					s.write(data)
				}
			}
		}
		s.reply(id, text(s.name+":notified", false))
	default:
		s.reply(id, text(s.name+":"+params.Name+":"+string(args), false))
	}
}
