package loader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pagemill/pagemill/internal/vfs"
)

func newTestLoader(t *testing.T, provider vfs.Provider) *Loader {
	t.Helper()
	l, err := New(provider, Options{
		RepositoryDir: t.TempDir(),
		Taglibs: map[string]string{
			"cms": "http://example.com/taglib/cms",
			"fmt": "http://example.com/taglib/fmt",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func testRequest(l *Loader, scope vfs.Scope) *request {
	return l.newRequest(context.Background(), scope, false)
}

func TestScanDirectiveArg(t *testing.T) {
	tests := []struct {
		name      string
		directive string
		kind      string
		attr      string
		skip      int
		wantArg   string
		wantOK    bool
	}{
		{"cms file", ` cms file="/elements/head" `, "cms", "file", 4, "/elements/head", true},
		{"include file", ` include file="/b.jsp" `, "include", "file", 6, "/b.jsp", true},
		{"error page", ` page errorPage="/err.jsp" `, "page", "errorPage", 11, "/err.jsp", true},
		{"page encoding", ` page pageEncoding="UTF-8" `, "page", "pageEncoding", 12, "UTF-8", true},
		{"spaced equals", ` cms file = "/x" `, "cms", "file", 4, "/x", true},
		{"wrong kind", ` taglib file="/x" `, "cms", "file", 4, "", false},
		{"attr missing", ` cms src="/x" `, "cms", "file", 4, "", false},
		{"unclosed quote", ` cms file="/x `, "cms", "file", 4, "", false},
		{"empty value", ` cms file="" `, "cms", "file", 4, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arg, _, ok := scanDirectiveArg(tt.directive, tt.kind, tt.attr, tt.skip)
			if ok != tt.wantOK {
				t.Fatalf("scanDirectiveArg(%q) ok = %v, want %v", tt.directive, ok, tt.wantOK)
			}
			if arg != tt.wantArg {
				t.Fatalf("scanDirectiveArg(%q) arg = %q, want %q", tt.directive, arg, tt.wantArg)
			}
		})
	}
}

func TestParseCmsTagReplacesDirective(t *testing.T) {
	mem := vfs.NewMemProvider()
	mem.Add(vfs.Online, "/elements/head", vfs.TypeTemplate, time.UnixMilli(1000), []byte("HEAD"))
	l := newTestLoader(t, mem)

	got := l.parseCmsTag(`A<%@ cms file="/elements/head" %>B`, "/index", testRequest(l, vfs.Online))
	want := "A/online/elements/head.jspB"
	if got != want {
		t.Fatalf("parseCmsTag = %q, want %q", got, want)
	}
}

func TestParseCmsTagKeepsTextWhenUnresolved(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	got := l.parseCmsTag(`A<%@ cms file="/missing" %>B`, "/index", testRequest(l, vfs.Online))
	want := `A cms file="/missing" B`
	if got != want {
		t.Fatalf("parseCmsTag = %q, want %q", got, want)
	}
}

func TestParseCmsTagUnterminatedDirective(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	in := `A<%@ cms file="/x"`
	if got := l.parseCmsTag(in, "/index", testRequest(l, vfs.Online)); got != in {
		t.Fatalf("parseCmsTag = %q, want unchanged input", got)
	}
}

func TestParseCmsTagIgnoresOtherDirectives(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	in := `<%@ page import="java.util.*" %>X`
	if got := l.parseCmsTag(in, "/index", testRequest(l, vfs.Online)); got != in {
		t.Fatalf("parseCmsTag = %q, want unchanged input", got)
	}
}

func TestParseCmsTagRelativeReference(t *testing.T) {
	mem := vfs.NewMemProvider()
	mem.Add(vfs.Online, "/elements/head", vfs.TypeTemplate, time.UnixMilli(1000), []byte("HEAD"))
	l := newTestLoader(t, mem)

	got := l.parseCmsTag(`<%@ cms file="head" %>`, "/elements/index", testRequest(l, vfs.Online))
	if got != "/online/elements/head.jsp" {
		t.Fatalf("parseCmsTag = %q, want relative reference resolved", got)
	}
}

func TestParseIncludesRewritesFileArgument(t *testing.T) {
	mem := vfs.NewMemProvider()
	mem.Add(vfs.Online, "/b.jsp", vfs.TypeTemplate, time.UnixMilli(1000), []byte("B"))
	l := newTestLoader(t, mem)

	got := l.parseIncludes(`X<%@ include file="/b.jsp" %>Y`, "/a.jsp", testRequest(l, vfs.Online))
	want := `X<%@ include file="/online/b.jsp" %>Y`
	if got != want {
		t.Fatalf("parseIncludes = %q, want %q", got, want)
	}
}

func TestParseIncludesLeavesMissingReference(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	in := `X<%@ include file="/missing.jsp" %>Y`
	if got := l.parseIncludes(in, "/a.jsp", testRequest(l, vfs.Online)); got != in {
		t.Fatalf("parseIncludes = %q, want unchanged input", got)
	}
}

func TestParseIncludesErrorPage(t *testing.T) {
	mem := vfs.NewMemProvider()
	mem.Add(vfs.Online, "/err.jsp", vfs.TypeTemplate, time.UnixMilli(1000), []byte("E"))
	l := newTestLoader(t, mem)

	got := l.parseIncludes(`<%@ page errorPage="/err.jsp" %>`, "/a.jsp", testRequest(l, vfs.Online))
	want := `<%@ page errorPage="/online/err.jsp" %>`
	if got != want {
		t.Fatalf("parseIncludes = %q, want %q", got, want)
	}
}

func TestParseEncodingReplaces(t *testing.T) {
	got := parseEncoding(`<%@ page pageEncoding="ISO-8859-1" %>X`, "UTF-8", false)
	want := `<%@ page pageEncoding="UTF-8" %>X`
	if got != want {
		t.Fatalf("parseEncoding = %q, want %q", got, want)
	}
}

func TestParseEncodingInjects(t *testing.T) {
	got := parseEncoding("hello", "UTF-8", false)
	want := `<%@ page pageEncoding="UTF-8" %>hello`
	if got != want {
		t.Fatalf("parseEncoding = %q, want %q", got, want)
	}
}

func TestParseEncodingInjectsAfterOtherDirectives(t *testing.T) {
	in := `<%@ page import="java.util.*" %>X`
	got := parseEncoding(in, "UTF-8", false)
	want := `<%@ page pageEncoding="UTF-8" %>` + in
	if got != want {
		t.Fatalf("parseEncoding = %q, want %q", got, want)
	}
}

func TestParseEncodingHardIncludeNeverInjects(t *testing.T) {
	for _, in := range []string{"hello", `<%@ page import="x" %>Y`} {
		if got := parseEncoding(in, "UTF-8", true); got != in {
			t.Fatalf("parseEncoding(%q) = %q, want unchanged input", in, got)
		}
	}
}

func TestParseEncodingHardIncludeStillReplaces(t *testing.T) {
	got := parseEncoding(`<%@ page pageEncoding="latin1" %>`, "ISO-8859-1", true)
	want := `<%@ page pageEncoding="ISO-8859-1" %>`
	if got != want {
		t.Fatalf("parseEncoding = %q, want %q", got, want)
	}
}

func TestProcessTaglibsExpands(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	got := l.processTaglibs(`<%@ page taglibs="cms,fmt" %>X`)
	wantCms := `<%@ taglib prefix="cms" uri="http://example.com/taglib/cms" %>`
	wantFmt := `<%@ taglib prefix="fmt" uri="http://example.com/taglib/fmt" %>`
	if got != wantCms+wantFmt+"X" {
		t.Fatalf("processTaglibs = %q", got)
	}
}

func TestProcessTaglibsKeepsOtherPageAttributes(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	got := l.processTaglibs(`<%@ page pageEncoding="UTF-8" taglibs="cms" %>X`)
	if !strings.Contains(got, `pageEncoding="UTF-8"`) {
		t.Fatalf("processTaglibs dropped page attributes: %q", got)
	}
	if !strings.Contains(got, `taglib prefix="cms"`) {
		t.Fatalf("processTaglibs did not expand taglib: %q", got)
	}
	if strings.Contains(got, "taglibs=") {
		t.Fatalf("processTaglibs left shorthand attribute: %q", got)
	}
}

func TestProcessTaglibsNoPageDirective(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	in := "plain content"
	if got := l.processTaglibs(in); got != in {
		t.Fatalf("processTaglibs = %q, want unchanged input", got)
	}
}

func TestProcessTaglibsUnknownPrefixSkipped(t *testing.T) {
	l := newTestLoader(t, vfs.NewMemProvider())

	got := l.processTaglibs(`<%@ page taglibs="nope" %>X`)
	if strings.Contains(got, "nope") {
		t.Fatalf("processTaglibs emitted unknown taglib: %q", got)
	}
}

func TestLookupEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "UTF-8"},
		{"utf-8", "UTF-8"},
		{"UTF8", "UTF-8"},
		{" latin1 ", "ISO-8859-1"},
		{"klingon", "UTF-8"},
	}
	for _, tt := range tests {
		if got := lookupEncoding(tt.in, "UTF-8"); got != tt.want {
			t.Fatalf("lookupEncoding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
