package onebot

import (
	"reflect"
	"testing"
)

func TestParseCQPlainText(t *testing.T) {
	segs := parseCQ("早上好")
	if len(segs) != 1 || segs[0].typ != "" || segs[0].text != "早上好" {
		t.Fatalf("segs = %+v", segs)
	}
}

func TestParseCQMixed(t *testing.T) {
	segs := parseCQ("看这个[CQ:image,file=abc.png,url=https://img.example.com/a.png]不错吧")

	if len(segs) != 3 {
		t.Fatalf("got %d segments: %+v", len(segs), segs)
	}
	if segs[0].text != "看这个" || segs[2].text != "不错吧" {
		t.Errorf("text segments = %q / %q", segs[0].text, segs[2].text)
	}
	img := segs[1]
	if img.typ != "image" {
		t.Fatalf("middle segment = %+v", img)
	}
	want := map[string]string{"file": "abc.png", "url": "https://img.example.com/a.png"}
	if !reflect.DeepEqual(img.params, want) {
		t.Errorf("params = %v", img.params)
	}
}

func TestParseCQUnescapesText(t *testing.T) {
	segs := parseCQ("a &amp; b &#91;ok&#93;")
	if segs[0].text != "a & b [ok]" {
		t.Errorf("text = %q", segs[0].text)
	}
}

func TestParseCQUnescapesParams(t *testing.T) {
	segs := parseCQ("[CQ:image,file=a&#44;b&amp;c.png]")
	if segs[0].params["file"] != "a,b&c.png" {
		t.Errorf("file = %q", segs[0].params["file"])
	}
}

func TestParseCQUnclosedBracket(t *testing.T) {
	segs := parseCQ("哈喽[CQ:image,file=x")
	if len(segs) != 2 {
		t.Fatalf("segs = %+v", segs)
	}
	if segs[1].typ != "" {
		t.Error("unclosed code should stay literal text")
	}
}

func TestPlainTextSkipsCodes(t *testing.T) {
	segs := parseCQ("[CQ:at,qq=12345] 帮我查天气 [CQ:face,id=1]")
	if got := plainText(segs); got != "帮我查天气" {
		t.Errorf("plainText = %q", got)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	original := "风险 & 收益 [图] ,逗号"

	if got := unescapeText(escapeText(original)); got != original {
		t.Errorf("text round trip = %q", got)
	}
	if got := unescapeParam(escapeParam(original)); got != original {
		t.Errorf("param round trip = %q", got)
	}
}

func TestEscapeTextKeepsComma(t *testing.T) {
	if got := escapeText("a,b"); got != "a,b" {
		t.Errorf("plain text commas must not be escaped, got %q", got)
	}
	if got := escapeParam("a,b"); got != "a&#44;b" {
		t.Errorf("param commas must be escaped, got %q", got)
	}
}
