package loader

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/logging"
)

// parseTemplate rewrites loader directives in template source. Order
// matters: cms directives may replace whole directive blocks, includes and
// error pages substitute the path argument in place, and encoding is
// normalized last so an injected directive is never re-scanned.
func (l *Loader) parseTemplate(content, encoding, basePath string, hardInclude bool, req *request) string {
	content = l.parseCmsTag(content, basePath, req)
	content = l.parseIncludes(content, basePath, req)
	content = parseEncoding(content, encoding, hardInclude)
	content = l.processTaglibs(content)
	return content
}

// scanDirectiveArg locates attr's quoted value inside a directive body.
// skip is the fixed distance from the attribute match to the start of the
// region holding the value's opening quote; the scanner then skips spaces,
// '=' and '"' and collects up to the closing quote. pre is the value's
// offset within the directive. Only well-formed values report ok.
func scanDirectiveArg(directive, kind, attr string, skip int) (arg string, pre int, ok bool) {
	t1 := 0
	for t1 < len(directive) && directive[t1] == ' ' {
		t1++
	}
	if !strings.HasPrefix(directive[t1:], kind) {
		return "", 0, false
	}
	t2 := indexFrom(directive, attr, t1+len(kind))
	if t2 <= 0 || t2+skip >= len(directive) {
		return "", 0, false
	}
	sub := directive[t2+skip:]
	t3 := 0
	for t3 < len(sub) {
		c := sub[t3]
		if c != ' ' && c != '=' && c != '"' {
			break
		}
		t3++
	}
	t4 := t3
	for t4 < len(sub) && sub[t4] != '"' {
		t4++
	}
	if t4 >= len(sub) || t4 == t3 {
		return "", 0, false
	}
	return sub[t3:t4], t2 + skip + t3, true
}

// hasDirectiveAttr reports whether a directive of the given kind mentions
// attr at all, regardless of whether its value is well-formed.
func hasDirectiveAttr(directive, kind, attr string) bool {
	t1 := 0
	for t1 < len(directive) && directive[t1] == ' ' {
		t1++
	}
	if !strings.HasPrefix(directive[t1:], kind) {
		return false
	}
	return indexFrom(directive, attr, t1+len(kind)) > 0
}

func indexFrom(s, sub string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.Index(s[from:], sub)
	if i < 0 {
		return -1
	}
	return from + i
}

// parseCmsTag resolves <%@ cms file="..." %> directives. On success the
// whole directive block is replaced by the mirror target; when the argument
// is present but does not resolve, the delimiters are still stripped and
// the inner text kept, so the broken reference stays visible in the output.
// A directive missing its end token leaves the content untouched.
func (l *Loader) parseCmsTag(content, basePath string, req *request) string {
	i1 := strings.Index(content, directiveStart)
	if i1 < 0 {
		return content
	}

	var buf strings.Builder
	buf.Grow(len(content))
	p0, i2 := 0, 0
	for i1 >= 0 {
		end := strings.Index(content[i1+len(directiveStart):], directiveEnd)
		if end < 0 {
			return content
		}
		i2 = i1 + len(directiveStart) + end
		directive := content[i1+len(directiveStart) : i2]

		if arg, _, ok := scanDirectiveArg(directive, "cms", "file", 4); ok {
			if target, resolved := l.resolveReference(arg, basePath, req); resolved {
				directive = target
			}
			buf.WriteString(content[p0:i1])
			buf.WriteString(directive)
			p0 = i2 + len(directiveEnd)
		} else {
			buf.WriteString(content[p0 : i1+len(directiveStart)])
			buf.WriteString(directive)
			p0 = i2
		}
		i1 = indexFrom(content, directiveStart, p0)
	}
	if i2 > 0 {
		buf.WriteString(content[p0:])
		content = buf.String()
	}
	return content
}

// parseIncludes rewrites the file argument of include directives and the
// errorPage argument of page directives to the referenced mirror target.
// Unlike cms directives, the directive itself always survives; only the
// quoted argument changes, and only when the reference resolves.
func (l *Loader) parseIncludes(content, basePath string, req *request) string {
	i1 := strings.Index(content, directiveStart)
	if i1 < 0 {
		return content
	}

	var buf strings.Builder
	buf.Grow(len(content))
	p0, i2 := 0, 0
	for i1 >= 0 {
		end := strings.Index(content[i1+len(directiveStart):], directiveEnd)
		if end < 0 {
			return content
		}
		i2 = i1 + len(directiveStart) + end
		directive := content[i1+len(directiveStart) : i2]

		arg, pre, ok := scanDirectiveArg(directive, "include", "file", 6)
		if !ok {
			arg, pre, ok = scanDirectiveArg(directive, "page", "errorPage", 11)
		}
		if ok {
			if target, resolved := l.resolveReference(arg, basePath, req); resolved {
				directive = directive[:pre] + target + directive[pre+len(arg):]
			}
		}
		buf.WriteString(content[p0 : i1+len(directiveStart)])
		buf.WriteString(directive)
		p0 = i2
		i1 = indexFrom(content, directiveStart, p0)
	}
	if i2 > 0 {
		buf.WriteString(content[p0:])
		content = buf.String()
	}
	return content
}

// parseEncoding replaces every pageEncoding argument with the resolved
// encoding, or injects a page directive at the top when none is present.
// Hard includes never get an injected directive: the compiler rejects
// multiple encoding declarations once they are merged into their parent.
func parseEncoding(content, encoding string, hardInclude bool) string {
	i1 := strings.Index(content, directiveStart)
	if i1 < 0 && hardInclude {
		return content
	}

	var buf strings.Builder
	buf.Grow(len(content) + 64)
	p0, i2 := 0, 0
	found := false
	if i1 < 0 {
		buf.WriteString(content)
	}
	for i1 >= 0 {
		end := strings.Index(content[i1+len(directiveStart):], directiveEnd)
		if end < 0 {
			return content
		}
		i2 = i1 + len(directiveStart) + end
		directive := content[i1+len(directiveStart) : i2]

		if hasDirectiveAttr(directive, "page", "pageEncoding") {
			found = true
			if arg, pre, ok := scanDirectiveArg(directive, "page", "pageEncoding", 12); ok {
				directive = directive[:pre] + encoding + directive[pre+len(arg):]
			}
		}
		buf.WriteString(content[p0 : i1+len(directiveStart)])
		buf.WriteString(directive)
		p0 = i2
		i1 = indexFrom(content, directiveStart, p0)
	}
	if i2 > 0 {
		buf.WriteString(content[p0:])
	}
	if !found && !hardInclude {
		return directiveStart + ` page pageEncoding="` + encoding + `" ` + directiveEnd + buf.String()
	}
	return buf.String()
}

var (
	pageDirectivePattern = regexp.MustCompile(`(?sm)<%@\s*page.*?%>`)
	taglibsAttrPattern   = regexp.MustCompile(`(?sm)taglibs\s*=\s*"(.*?)"`)
	taglibSeparator      = regexp.MustCompile(`(?sm)\s*,\s*`)
	emptyPagePattern     = regexp.MustCompile(`(?sm)<%@\s*page\s*%>`)
)

// taglibsMarker is a placeholder no sane template contains, inserted after
// the first page directive and later replaced by the taglib inclusions.
const taglibsMarker = "@@@pagemill.taglibs@@@"

// processTaglibs expands the shorthand taglibs="a,b" page attribute into
// one taglib directive per configured prefix, inserted right after the
// first page directive. Page directives left empty by the expansion are
// removed entirely.
func (l *Loader) processTaglibs(content string) string {
	var order []string
	seen := make(map[string]struct{})
	first := true
	out := pageDirectivePattern.ReplaceAllStringFunc(content, func(match string) string {
		match = taglibsAttrPattern.ReplaceAllStringFunc(match, func(attr string) string {
			vals := taglibsAttrPattern.FindStringSubmatch(attr)
			for _, key := range taglibSeparator.Split(vals[1], -1) {
				key = strings.TrimSpace(key)
				if key == "" {
					continue
				}
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					order = append(order, key)
				}
			}
			return ""
		})
		if first {
			first = false
			match += taglibsMarker
		}
		return match
	})
	if first {
		return out
	}
	out = strings.Replace(out, taglibsMarker, l.taglibInclusions(order), 1)
	return emptyPagePattern.ReplaceAllString(out, "")
}

func (l *Loader) taglibInclusions(taglibs []string) string {
	var buf strings.Builder
	for _, name := range taglibs {
		uri, ok := l.taglibs[name]
		if !ok {
			logging.Warn("no uri configured for taglib", zap.String("taglib", name))
			continue
		}
		buf.WriteString(`<%@ taglib prefix="`)
		buf.WriteString(name)
		buf.WriteString(`" uri="`)
		buf.WriteString(uri)
		buf.WriteString(`" %>`)
	}
	return buf.String()
}

// knownEncodings maps lowercase aliases to the canonical name written into
// pageEncoding directives.
var knownEncodings = map[string]string{
	"utf-8":        "UTF-8",
	"utf8":         "UTF-8",
	"iso-8859-1":   "ISO-8859-1",
	"iso8859-1":    "ISO-8859-1",
	"latin1":       "ISO-8859-1",
	"us-ascii":     "US-ASCII",
	"ascii":        "US-ASCII",
	"windows-1252": "windows-1252",
	"cp1252":       "windows-1252",
}

// lookupEncoding canonicalizes an encoding property value, falling back to
// fallback for empty or unsupported names.
func lookupEncoding(enc, fallback string) string {
	enc = strings.TrimSpace(enc)
	if enc == "" {
		return fallback
	}
	if canonical, ok := knownEncodings[strings.ToLower(enc)]; ok {
		return canonical
	}
	logging.Error("unsupported content encoding, using fallback",
		zap.String("encoding", enc), zap.String("fallback", fallback))
	return fallback
}
