package httptrigger

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
)

// ServerSoftware is reported to guests in SERVER_SOFTWARE.
const ServerSoftware = "containerd-shim-spin"

// requestEnv builds the CGI environment of a WAGI invocation.
func requestEnv(req *http.Request, rt route, contentLength int) []string {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, port = req.Host, ""
	}
	remoteHost, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		remoteHost = req.RemoteAddr
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}

	env := []string{
		"AUTH_TYPE=",
		"CONTENT_LENGTH=" + strconv.Itoa(contentLength),
		"CONTENT_TYPE=" + req.Header.Get("Content-Type"),
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=" + rt.pathInfo(req.URL.Path),
		"PATH_TRANSLATED=" + rt.pathInfo(req.URL.Path),
		"QUERY_STRING=" + req.URL.RawQuery,
		"REMOTE_ADDR=" + remoteHost,
		"REMOTE_HOST=" + remoteHost,
		"REMOTE_USER=",
		"REQUEST_METHOD=" + req.Method,
		"SCRIPT_NAME=" + rt.scriptName(),
		"SERVER_NAME=" + host,
		"SERVER_PORT=" + port,
		"SERVER_PROTOCOL=" + req.Proto,
		"SERVER_SOFTWARE=" + ServerSoftware,
		"X_FULL_URL=" + scheme + "://" + req.Host + req.URL.RequestURI(),
		"X_MATCHED_ROUTE=" + rt.pattern,
		"X_RAW_PATH_INFO=" + rt.pathInfo(req.URL.EscapedPath()),
	}
	for name, values := range req.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if key == "HTTP_AUTHORIZATION" || key == "HTTP_CONNECTION" {
			continue
		}
		env = append(env, key+"="+strings.Join(values, ","))
	}
	return env
}

// requestArgs splits the query string into guest arguments.
func requestArgs(req *http.Request) []string {
	if req.URL.RawQuery == "" {
		return nil
	}
	return strings.Split(req.URL.RawQuery, "&")
}

// response is a parsed WAGI guest response.
type response struct {
	header http.Header
	body   []byte
	status int
}

// parseResponse splits guest stdout into CGI headers and body. The guest
// must send Content-Type or Location; Status overrides the default code.
func parseResponse(out []byte) (*response, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(out)))
	mime, err := r.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(mime) > 0) {
		return nil, fmt.Errorf("parse guest headers: %w", err)
	}
	header := http.Header(mime)
	body, err := readRest(r.R)
	if err != nil {
		return nil, err
	}

	status := http.StatusOK
	if loc := header.Get("Location"); loc != "" {
		status = http.StatusFound
	} else if header.Get("Content-Type") == "" {
		return nil, fmt.Errorf("guest response has neither Content-Type nor Location")
	}
	if s := header.Get("Status"); s != "" {
		code, _, _ := strings.Cut(strings.TrimSpace(s), " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 999 {
			return nil, fmt.Errorf("invalid guest status %q", s)
		}
		status = n
		header.Del("Status")
	}
	return &response{header: header, body: body, status: status}, nil
}

func readRest(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read guest body: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *response) write(w http.ResponseWriter) {
	for k, vs := range r.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body)
}
