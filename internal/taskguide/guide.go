// Package taskguide describes the request shape of every remote operation
// the dispatcher knows about.
package taskguide

import (
	"net/url"
	"slices"
	"strings"
)

// RequestType selects how a guide's request is sent.
type RequestType int

const (
	Get RequestType = iota
	Post
	Put
	Delete
	Upload
	PipeUpload
	PipeDownload
	Download
	None
	App
)

func (t RequestType) String() string {
	switch t {
	case Get:
		return "GET"
	case Post:
		return "POST"
	case Put:
		return "PUT"
	case Delete:
		return "DELETE"
	case Upload:
		return "UPLOAD"
	case PipeUpload:
		return "PIPE_UPLOAD"
	case PipeDownload:
		return "PIPE_DOWNLOAD"
	case Download:
		return "DOWNLOAD"
	case None:
		return "NONE"
	case App:
		return "APP"
	}
	return "UNKNOWN"
}

// Method returns the HTTP verb used on the wire.
func (t RequestType) Method() string {
	switch t {
	case Get, Download, PipeDownload:
		return "GET"
	case Post, Upload, PipeUpload:
		return "POST"
	case Put:
		return "PUT"
	case Delete:
		return "DELETE"
	}
	return ""
}

// AuthKind selects the Authorization header attached to a request.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthPassword
	AuthClient
	AuthToken
	AuthRefreshToken
)

// AppInfo describes a registered remote application.
type AppInfo struct {
	FullName        string
	WorkingDirParam string
	Params          []string
	Inputs          []string
}

// Accepts reports whether key is a declared parameter or input.
func (a *AppInfo) Accepts(key string) bool {
	return a.IsParam(key) || a.IsInput(key)
}

// IsParam reports whether key is a declared parameter.
func (a *AppInfo) IsParam(key string) bool {
	return slices.Contains(a.Params, key)
}

// IsInput reports whether key is a declared input.
func (a *AppInfo) IsInput(key string) bool {
	return slices.Contains(a.Inputs, key)
}

// Guide is the static descriptor of one remote operation.
type Guide struct {
	ID   string
	Type RequestType

	URLSuffix string
	// URLFormat and PostFormat use positional placeholders %1..%n bound
	// to URLVars and PostVars in order.
	URLFormat  string
	URLVars    []string
	PostFormat string
	PostVars   []string

	Auth AuthKind
	// Internal guides are handled by the session state machine.
	Internal bool
	// TokenFormat replies signal failure with an "error" key instead of
	// the status envelope.
	TokenFormat bool

	App *AppInfo
}

var urlEscaper = strings.NewReplacer(
	"%", "%25",
	"#", "%23",
	"?", "%3F",
	"&", "%26",
	" ", "%20",
)

// FillURL returns the suffix followed by the filled URL format. It returns
// false when a bound variable is missing from params.
func (g *Guide) FillURL(params map[string]string) (string, bool) {
	filled, ok := fill(g.URLFormat, g.URLVars, params, urlEscaper.Replace)
	if !ok {
		return "", false
	}
	return g.URLSuffix + filled, true
}

// FillPost returns the form body with each value query-escaped.
func (g *Guide) FillPost(params map[string]string) (string, bool) {
	return fill(g.PostFormat, g.PostVars, params, url.QueryEscape)
}

// NeedsBody reports whether the guide sends a form body.
func (g *Guide) NeedsBody() bool {
	return g.PostFormat != ""
}

func fill(format string, vars []string, params map[string]string, escape func(string) string) (string, bool) {
	if format == "" {
		return "", true
	}
	if len(vars) == 0 {
		return format, true
	}

	values := make([]string, len(vars))
	for i, name := range vars {
		v, ok := params[name]
		if !ok {
			return "", false
		}
		values[i] = escape(v)
	}

	// Single pass so substituted values are never rescanned.
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		n := 0
		for _, d := range format[i+1 : j] {
			n = n*10 + int(d-'0')
		}
		if j == i+1 || n < 1 || n > len(values) {
			b.WriteByte(c)
			continue
		}
		b.WriteString(values[n-1])
		i = j - 1
	}
	return b.String(), true
}

// CollapseSlashes replaces runs of '/' with a single slash.
func CollapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
