package rewrite

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func baseOpts(t *testing.T) Options {
	return Options{
		Base:      mustParse(t, "https://example.com/articles/index.html"),
		SessionID: "abc",
		Origin:    "http://localhost:3000",
		Rewrite:   true,
		Inject:    true,
	}
}

func TestInjectBeforeHead(t *testing.T) {
	doc := `<!doctype html><html><head><title>t</title></head><body><p>hi</p></body></html>`
	out, st, err := String(doc, baseOpts(t))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !st.Injected {
		t.Fatal("expected injection")
	}
	if got := strings.Count(out, "/client/boot.js"); got != 1 {
		t.Fatalf("want exactly one bootstrap reference, got %d in %s", got, out)
	}
	idx := strings.Index(out, `<script src="http://localhost:3000/client/boot.js"></script>`)
	head := strings.Index(out, "</head>")
	if idx < 0 || head < 0 {
		t.Fatalf("missing bootstrap or head in %s", out)
	}
	want := `<script src="http://localhost:3000/client/boot.js"></script></head>`
	if !strings.Contains(out, want) {
		t.Fatalf("bootstrap not immediately before </head>: %s", out)
	}
	if !strings.Contains(out, `window.__COBROWSE__={"sessionId":"abc","origin":"http://localhost:3000"}`) {
		t.Fatalf("config object missing: %s", out)
	}
	if !strings.Contains(out, "window.top.__ALLOW_IFRAME__=true") {
		t.Fatalf("frame guard missing: %s", out)
	}
}

func TestInjectAppendsWithoutHead(t *testing.T) {
	doc := `<p>fragment</p>`
	out, _, err := String(doc, baseOpts(t))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !strings.HasPrefix(out, doc) {
		t.Fatalf("document body altered: %s", out)
	}
	if !strings.HasSuffix(out, `<script src="http://localhost:3000/client/boot.js"></script>`) {
		t.Fatalf("bootstrap not appended: %s", out)
	}
}

func TestInjectOnlyOnce(t *testing.T) {
	doc := `<head></head><head></head><!-- </head> --><script>var s = "</head>";</script>`
	out, _, err := String(doc, baseOpts(t))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got := strings.Count(out, "/client/boot.js"); got != 1 {
		t.Fatalf("want one bootstrap, got %d: %s", got, out)
	}
}

func TestNoInject(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	out, st, err := String(`<head></head>`, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if st.Injected || strings.Contains(out, "__COBROWSE__") {
		t.Fatalf("unexpected injection: %s", out)
	}
}

func TestConfigCannotBreakOutOfScript(t *testing.T) {
	opts := baseOpts(t)
	opts.SessionID = `</script><script>alert(1)</script>`
	out, _, err := String(`<head></head>`, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if strings.Contains(out, "alert(1)</script>") {
		t.Fatalf("session id escaped the script element: %s", out)
	}
}

func TestRewriteRootRelative(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	doc := `<a href="/docs/a?x=1&amp;y=2">a</a><img src='/img/logo.png'><a href="relative.html">r</a><a href="https://other.example/x">o</a><script src="//cdn.example/lib.js"></script>`
	out, st, err := String(doc, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if st.RewrittenAttrs != 2 {
		t.Fatalf("want 2 rewritten attrs, got %d: %s", st.RewrittenAttrs, out)
	}

	wantA := `href="` + escapeAttr(ProxyURL("", "abc", "https://example.com/docs/a?x=1&y=2")) + `"`
	if !strings.Contains(out, wantA) {
		t.Fatalf("href not rewritten, want %s in %s", wantA, out)
	}
	wantImg := `src="` + escapeAttr(ProxyURL("", "abc", "https://example.com/img/logo.png")) + `"`
	if !strings.Contains(out, wantImg) {
		t.Fatalf("src not rewritten, want %s in %s", wantImg, out)
	}
	for _, keep := range []string{`href="relative.html"`, `href="https://other.example/x"`, `src="//cdn.example/lib.js"`} {
		if !strings.Contains(out, keep) {
			t.Fatalf("%s should be untouched: %s", keep, out)
		}
	}
}

func TestRewrittenURLRoundTrips(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	out, _, err := String(`<a href="/p/q?r=s#frag">x</a>`, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	start := strings.Index(out, `href="`) + len(`href="`)
	end := strings.Index(out[start:], `"`) + start
	href := strings.ReplaceAll(out[start:end], "&amp;", "&")
	u, err := url.Parse(href)
	if err != nil {
		t.Fatalf("parse rewritten href %q: %v", href, err)
	}
	if u.Path != "/proxy" {
		t.Fatalf("unexpected proxy path %q", u.Path)
	}
	if got := u.Query().Get("url"); got != "https://example.com/p/q?r=s#frag" {
		t.Fatalf("unexpected upstream url %q", got)
	}
	if got := u.Query().Get("sid"); got != "abc" {
		t.Fatalf("unexpected sid %q", got)
	}
}

func TestRewriteSrcset(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	out, _, err := String(`<img srcset="/a.png 1x, https://cdn.example/b.png 2x,/c.png	3x">`, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	for _, want := range []string{
		escapeAttr(ProxyURL("", "abc", "https://example.com/a.png")) + " 1x",
		"https://cdn.example/b.png 2x",
		escapeAttr(ProxyURL("", "abc", "https://example.com/c.png")) + "\t3x",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestRewriteSrcsetCommaURLs(t *testing.T) {
	opts := baseOpts(t)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "comma in path",
			in:   "/image/upload/w_400,c_fill/a.jpg 400w, /image/upload/w_800,c_fill/a.jpg 800w",
			want: ProxyURL("", "abc", "https://example.com/image/upload/w_400,c_fill/a.jpg") + " 400w, " +
				ProxyURL("", "abc", "https://example.com/image/upload/w_800,c_fill/a.jpg") + " 800w",
		},
		{
			name: "data uri kept intact",
			in:   "data:image/png;base64,iVBORw0KGgo= 1x,/b.png 2x",
			want: "data:image/png;base64,iVBORw0KGgo= 1x," + ProxyURL("", "abc", "https://example.com/b.png") + " 2x",
		},
		{
			name: "trailing comma ends candidate",
			in:   "/a.png, /b.png 2x",
			want: ProxyURL("", "abc", "https://example.com/a.png") + ", " + ProxyURL("", "abc", "https://example.com/b.png") + " 2x",
		},
		{
			name: "url without descriptor",
			in:   "/a.png",
			want: ProxyURL("", "abc", "https://example.com/a.png"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := rewriteSrcset(tc.in, opts)
			if !ok {
				t.Fatalf("rewriteSrcset(%q) reported no change", tc.in)
			}
			if got != tc.want {
				t.Fatalf("rewriteSrcset(%q)\n got: %s\nwant: %s", tc.in, got, tc.want)
			}
		})
	}

	if _, ok := rewriteSrcset("https://cdn.example/a.png 1x, data:x,y 2x", opts); ok {
		t.Fatal("srcset without root-relative candidates must be left alone")
	}
}

func TestNoRewrite(t *testing.T) {
	opts := baseOpts(t)
	opts.Rewrite = false
	opts.Inject = false
	doc := `<a href="/x">x</a>`
	out, _, err := String(doc, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != doc {
		t.Fatalf("want unchanged %q, got %q", doc, out)
	}
}

func TestStripsMetaCSP(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	doc := `<head><META HTTP-EQUIV="Content-Security-Policy" content="default-src 'none'"><meta charset="utf-8"></head>`
	out, st, err := String(doc, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if st.StrippedMeta != 1 {
		t.Fatalf("want 1 stripped meta, got %d", st.StrippedMeta)
	}
	if strings.Contains(strings.ToLower(out), "content-security-policy") {
		t.Fatalf("csp meta kept: %s", out)
	}
	if !strings.Contains(out, `<meta charset="utf-8">`) {
		t.Fatalf("unrelated meta dropped: %s", out)
	}
}

func TestUntouchedMarkupIsPreserved(t *testing.T) {
	opts := baseOpts(t)
	opts.Inject = false
	doc := "<DIV Class=x data-a='1'>text &amp; more</DIV><!-- c --><script>if (a < b && c) { x('/y') }</script><p unclosed"
	out, _, err := String(doc, opts)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !strings.HasPrefix(out, "<DIV Class=x data-a='1'>text &amp; more</DIV><!-- c --><script>if (a < b && c) { x('/y') }</script>") {
		t.Fatalf("markup altered: %q", out)
	}
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, "&", "&amp;")
}
