package api

import (
	"io/fs"
	"net/http"
)

// handleIndex serves the embedded chat client.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.webFS != nil {
		data, err := fs.ReadFile(s.webFS, "index.html")
		if err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(data) // ignore write errors (client disconnect)
			return
		}
	}

	// Fallback when no client is embedded.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`
<!DOCTYPE html>
<html>
<head><title>RelayGate</title></head>
<body>
	<h1>RelayGate</h1>
	<p>Web client not available. Use the API at /api/chat</p>
	<pre>
POST /api/chat
{
  "provider": "anthropic",
  "model": "claude-sonnet-4-5",
  "messages": [{"role": "user", "content": "Hello"}]
}
	</pre>
</body>
</html>
	`))
}
