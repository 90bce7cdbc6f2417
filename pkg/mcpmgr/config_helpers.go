package mcpmgr

// Helpers for inspecting the transport-specific half of a ServerConfig
// without checking field groups at every call site.

// StdioSpec is the stdio half of a ServerConfig.
type StdioSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// HTTPSpec is the HTTP half of a ServerConfig.
type HTTPSpec struct {
	URL     string
	Headers map[string]string
	Auth    *AuthConfig
}

// TransportOf returns the transport kind for cfg. An explicit Transport
// wins; otherwise it is inferred from Command or URL. Returns an empty
// string when neither is set.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch {
	case cfg.Transport != "":
		return cfg.Transport
	case cfg.Command != "":
		return TransportStdio
	case cfg.URL != "":
		return TransportHTTP
	default:
		return ""
	}
}

// IsStdio reports whether cfg launches a subprocess.
func IsStdio(cfg ServerConfig) bool { return TransportOf(cfg) == TransportStdio }

// IsHTTP reports whether cfg points at a remote endpoint.
func IsHTTP(cfg ServerConfig) bool { return TransportOf(cfg) == TransportHTTP }

// AsStdio narrows cfg to its stdio fields, returning false when cfg is not
// a stdio server.
func AsStdio(cfg ServerConfig) (StdioSpec, bool) {
	if !IsStdio(cfg) {
		return StdioSpec{}, false
	}
	return StdioSpec{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}, true
}

// AsHTTP narrows cfg to its HTTP fields, returning false when cfg is not
// an HTTP server.
func AsHTTP(cfg ServerConfig) (HTTPSpec, bool) {
	if !IsHTTP(cfg) {
		return HTTPSpec{}, false
	}
	return HTTPSpec{URL: cfg.URL, Headers: cfg.Headers, Auth: cfg.Auth}, true
}
