// Package rewrite transforms an upstream HTML document so it can be framed
// and navigated through the proxy.
//
// The document is walked with golang.org/x/net/html's tokenizer. Tokens
// that are not touched are copied byte-for-byte from the input, so markup
// the rewriter has no opinion about (comments, scripts, odd quoting,
// malformed fragments) survives unchanged. Only tags whose attributes are
// rewritten are re-serialized.
package rewrite

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Options control a single rewrite.
type Options struct {
	// Base is the absolute URL the document was fetched from. Root-relative
	// references are resolved against its scheme and host.
	Base *url.URL
	// SessionID is carried into rewritten proxy links and the injected
	// configuration object.
	SessionID string
	// ProxyPath is the path of the proxy endpoint, "/proxy" when empty.
	ProxyPath string
	// Origin is this server's public origin, exposed to the agent.
	Origin string
	// AgentScript is the URL of the synchronization agent bootstrap.
	AgentScript string

	Rewrite bool
	Inject  bool
}

// Stats reports what a rewrite changed.
type Stats struct {
	RewrittenAttrs int
	StrippedMeta   int
	Injected       bool
}

// Document streams src to dst, applying opts.
func Document(dst io.Writer, src io.Reader, opts Options) (Stats, error) {
	var st Stats
	if opts.Rewrite && opts.Base == nil {
		return st, errors.New("rewrite: base url required")
	}
	snippet := ""
	if opts.Inject {
		var err error
		if snippet, err = Bootstrap(opts); err != nil {
			return st, err
		}
	}

	z := html.NewTokenizer(src)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return st, fmt.Errorf("rewrite: tokenize: %w", err)
			}
			if opts.Inject && !st.Injected {
				if _, err := io.WriteString(dst, snippet); err != nil {
					return st, err
				}
				st.Injected = true
			}
			return st, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			// TagName and TagAttr lower-case the tokenizer's buffer in
			// place, so the raw bytes are copied first.
			raw := append([]byte(nil), z.Raw()...)
			name, hasAttr := z.TagName()
			if !hasAttr {
				if _, err := dst.Write(raw); err != nil {
					return st, err
				}
				continue
			}
			tok := html.Token{Type: tt, DataAtom: atom.Lookup(name), Data: string(name)}
			for {
				key, val, more := z.TagAttr()
				tok.Attr = append(tok.Attr, html.Attribute{Key: string(key), Val: string(val)})
				if !more {
					break
				}
			}

			if isMetaCSP(tok) {
				st.StrippedMeta++
				continue
			}
			if opts.Rewrite {
				if n := rewriteAttrs(&tok, opts); n > 0 {
					st.RewrittenAttrs += n
					if _, err := io.WriteString(dst, tok.String()); err != nil {
						return st, err
					}
					continue
				}
			}
			if _, err := dst.Write(raw); err != nil {
				return st, err
			}

		case html.EndTagToken:
			raw := append([]byte(nil), z.Raw()...)
			if opts.Inject && !st.Injected {
				if name, _ := z.TagName(); atom.Lookup(name) == atom.Head {
					if _, err := io.WriteString(dst, snippet); err != nil {
						return st, err
					}
					st.Injected = true
				}
			}
			if _, err := dst.Write(raw); err != nil {
				return st, err
			}

		default:
			if _, err := dst.Write(z.Raw()); err != nil {
				return st, err
			}
		}
	}
}

// String is a convenience wrapper around Document for in-memory bodies.
func String(doc string, opts Options) (string, Stats, error) {
	var b strings.Builder
	b.Grow(len(doc) + 256)
	st, err := Document(&b, strings.NewReader(doc), opts)
	if err != nil {
		return "", st, err
	}
	return b.String(), st, nil
}

const frameBustGuard = "try{if(window.top!==window.self){window.top.__ALLOW_IFRAME__=true}}catch(e){}"

// Bootstrap renders the configuration object and agent script reference
// injected into every instrumented document.
func Bootstrap(opts Options) (string, error) {
	cfg, err := json.Marshal(struct {
		SessionID string `json:"sessionId"`
		Origin    string `json:"origin"`
	}{opts.SessionID, opts.Origin})
	if err != nil {
		return "", fmt.Errorf("rewrite: encode bootstrap config: %w", err)
	}
	script := opts.AgentScript
	if script == "" {
		script = strings.TrimSuffix(opts.Origin, "/") + "/client/boot.js"
	}
	// json.Marshal escapes <, > and &, so the config cannot close the
	// script element early. The __ALLOW_IFRAME__ flag tells a co-operating
	// parent frame not to bust out of the viewer.
	return "<script>" + frameBustGuard + "window.__COBROWSE__=" + string(cfg) + ";</script>" +
		`<script src="` + html.EscapeString(script) + `"></script>`, nil
}

func isMetaCSP(tok html.Token) bool {
	if tok.DataAtom != atom.Meta {
		return false
	}
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, "http-equiv") && strings.EqualFold(strings.TrimSpace(a.Val), "content-security-policy") {
			return true
		}
	}
	return false
}

// rewriteAttrs rewrites href, src and srcset in place and returns how many
// attributes changed.
func rewriteAttrs(tok *html.Token, opts Options) int {
	n := 0
	for i := range tok.Attr {
		a := &tok.Attr[i]
		switch a.Key {
		case "href", "src":
			if v, ok := proxify(a.Val, opts); ok {
				a.Val = v
				n++
			}
		case "srcset":
			if v, ok := rewriteSrcset(a.Val, opts); ok {
				a.Val = v
				n++
			}
		}
	}
	return n
}

// IsRootRelative reports whether ref is a path-absolute reference such as
// "/a/b?c". Protocol-relative references ("//host/x") are not.
func IsRootRelative(ref string) bool {
	return strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "//")
}

// ProxyURL returns the proxy-routed form of an absolute upstream URL.
func ProxyURL(proxyPath, sessionID, target string) string {
	if proxyPath == "" {
		proxyPath = "/proxy"
	}
	q := url.Values{}
	q.Set("sid", sessionID)
	q.Set("url", target)
	// Encode sorts keys, which puts sid before url.
	return proxyPath + "?" + q.Encode()
}

func proxify(ref string, opts Options) (string, bool) {
	ref = strings.TrimSpace(ref)
	if !IsRootRelative(ref) {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := opts.Base.ResolveReference(u)
	return ProxyURL(opts.ProxyPath, opts.SessionID, abs.String()), true
}

// rewriteSrcset walks the candidate list the way browsers parse it: a URL
// runs to the next whitespace and only a trailing comma ends it, so URLs
// containing commas survive. Everything other than rewritten URLs is
// copied through unchanged.
func rewriteSrcset(val string, opts Options) (string, bool) {
	var (
		b       strings.Builder
		changed bool
	)
	isSpace := func(c byte) bool {
		return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
	}
	i := 0
	for i < len(val) {
		start := i
		for i < len(val) && (isSpace(val[i]) || val[i] == ',') {
			i++
		}
		b.WriteString(val[start:i])
		if i == len(val) {
			break
		}

		start = i
		for i < len(val) && !isSpace(val[i]) {
			i++
		}
		ref := strings.TrimRight(val[start:i], ",")
		trailing := val[start+len(ref) : i]
		if v, ok := proxify(ref, opts); ok {
			b.WriteString(v)
			changed = true
		} else {
			b.WriteString(ref)
		}
		b.WriteString(trailing)
		if trailing != "" {
			continue
		}

		// Descriptors end at the first comma outside parentheses.
		start = i
		depth := 0
		for ; i < len(val); i++ {
			c := val[i]
			if c == '(' {
				depth++
			} else if c == ')' && depth > 0 {
				depth--
			} else if c == ',' && depth == 0 {
				break
			}
		}
		b.WriteString(val[start:i])
	}
	if !changed {
		return "", false
	}
	return b.String(), true
}
