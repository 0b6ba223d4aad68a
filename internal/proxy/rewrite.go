package proxy

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ContentKind classifies response bodies that carry root-relative references.
type ContentKind int

const (
	KindOther ContentKind = iota
	KindHTML
	KindJavaScript
	KindCSS
)

// ClassifyContent returns the kind of a Content-Type header value.
func ClassifyContent(contentType string) ContentKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "application/javascript", "text/javascript", "application/x-javascript", "application/ecmascript", "text/ecmascript", "text/jsx":
		return KindJavaScript
	case "text/css":
		return KindCSS
	default:
		return KindOther
	}
}

// urlAttributes are the HTML attributes holding a single URL.
var urlAttributes = map[string]bool{
	"src":        true,
	"href":       true,
	"action":     true,
	"formaction": true,
	"poster":     true,
}

var (
	// import "x", import("x"), from "x"
	jsSpecifier = regexp.MustCompile(`(\bfrom\s*|\bimport\s*\(?\s*)(["'])(/[^"'\\\s]*)(["'])`)
	cssURL      = regexp.MustCompile(`(url\(\s*)(["']?)(/[^"')\s]*)(["']?)(\s*\))`)
	cssImport   = regexp.MustCompile(`(@import\s+)(["'])(/[^"'\s]*)(["'])`)
)

// Rewriter prefixes root-relative references so they keep resolving through
// the tenant's proxy path.
type Rewriter struct {
	prefix string
}

// NewRewriter builds a Rewriter for prefix, e.g. /api/preview/proxy/demo-team-001.
func NewRewriter(prefix string) *Rewriter {
	return &Rewriter{prefix: strings.TrimSuffix(prefix, "/")}
}

// URL rewrites a single reference. Protocol-relative, absolute, relative and
// already prefixed references are returned unchanged.
func (rw *Rewriter) URL(ref string) string {
	if !strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, `/\`) {
		return ref
	}
	if ref == rw.prefix || strings.HasPrefix(ref, rw.prefix+"/") || strings.HasPrefix(ref, rw.prefix+"?") || strings.HasPrefix(ref, rw.prefix+"#") {
		return ref
	}
	return rw.prefix + ref
}

// Rewrite dispatches on kind. KindOther bodies are returned as-is.
func (rw *Rewriter) Rewrite(kind ContentKind, body []byte) []byte {
	switch kind {
	case KindHTML:
		return rw.HTML(body)
	case KindJavaScript:
		return rw.JavaScript(body)
	case KindCSS:
		return rw.CSS(body)
	default:
		return body
	}
}

// JavaScript rewrites module specifiers of static and dynamic imports and
// re-exports.
func (rw *Rewriter) JavaScript(src []byte) []byte {
	return replaceQuoted(jsSpecifier, src, rw.URL)
}

// CSS rewrites url(...) references and @import rules.
func (rw *Rewriter) CSS(src []byte) []byte {
	return replaceQuoted(cssImport, replaceQuoted(cssURL, src, rw.URL), rw.URL)
}

// HTML rewrites URL attributes, inline module scripts and inline styles. Tags
// that need no change are copied byte for byte.
func (rw *Rewriter) HTML(src []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(src) + 256)
	z := html.NewTokenizer(bytes.NewReader(src))
	var rawTag string
	var scriptIsJS bool
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				// Keep whatever the tokenizer could not consume.
				out.Write(z.Raw())
			}
			return out.Bytes()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			changed := false
			for i, attr := range tok.Attr {
				switch {
				case urlAttributes[attr.Key]:
					if v := rw.URL(attr.Val); v != attr.Val {
						tok.Attr[i].Val = v
						changed = true
					}
				case attr.Key == "style":
					if v := string(rw.CSS([]byte(attr.Val))); v != attr.Val {
						tok.Attr[i].Val = v
						changed = true
					}
				}
			}
			if tt == html.StartTagToken && (tok.Data == "script" || tok.Data == "style") {
				rawTag = tok.Data
				scriptIsJS = tok.Data == "script" && isJavaScriptType(attrValue(tok, "type"))
			}
			if changed {
				out.WriteString(tok.String())
			} else {
				out.Write(z.Raw())
			}
		case html.TextToken:
			raw := z.Raw()
			switch {
			case rawTag == "script" && scriptIsJS:
				out.Write(rw.JavaScript(raw))
			case rawTag == "style":
				out.Write(rw.CSS(raw))
			default:
				out.Write(raw)
			}
		case html.EndTagToken:
			rawTag = ""
			out.Write(z.Raw())
		default:
			out.Write(z.Raw())
		}
	}
}

func attrValue(tok html.Token, key string) string {
	for _, attr := range tok.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func isJavaScriptType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "module", "text/javascript", "application/javascript", "text/babel", "text/jsx":
		return true
	}
	return false
}

// replaceQuoted rewrites group 3 of every match of re, where groups 2 and 4
// are the surrounding quotes. Matches with mismatched quotes are left alone.
func replaceQuoted(re *regexp.Regexp, src []byte, rewrite func(string) string) []byte {
	matches := re.FindAllSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}
	var out bytes.Buffer
	out.Grow(len(src) + len(matches)*32)
	last := 0
	for _, m := range matches {
		opening, closing := src[m[4]:m[5]], src[m[8]:m[9]]
		if !bytes.Equal(opening, closing) {
			continue
		}
		ref := string(src[m[6]:m[7]])
		rewritten := rewrite(ref)
		if rewritten == ref {
			continue
		}
		out.Write(src[last:m[6]])
		out.WriteString(rewritten)
		last = m[7]
	}
	out.Write(src[last:])
	return out.Bytes()
}
