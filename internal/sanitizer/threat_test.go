package sanitizer

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestDetectSQLInjection(t *testing.T) {
	malicious := []string{
		"'; DROP TABLE users; --",
		"1 OR 1=1",
		"UNION SELECT * FROM users",
		"admin'--",
		"x' OR 'a'='a",
		"1; DELETE FROM suppliers WHERE 1=1",
		"1 AND SLEEP(5)",
		"name%27%3B%20DROP%20TABLE%20invoices%3B--",
		"SELECT/**/password/**/FROM/**/users",
	}
	for _, in := range malicious {
		if !DetectSQLInjection(in) {
			t.Errorf("DetectSQLInjection(%q) = false, want true", in)
		}
	}

	benign := []string{
		"hello world",
		"user123",
		"",
		"   ",
		"Office chairs or desks",
		"Please update the delivery address",
		"Net 30 or terms=net45",
		"O'Brien Supplies Ltd.",
		"Invoice #4411 - paid",
	}
	for _, in := range benign {
		if DetectSQLInjection(in) {
			t.Errorf("DetectSQLInjection(%q) = true, want false", in)
		}
	}
}

func TestDetectXSS(t *testing.T) {
	malicious := []string{
		"<script>alert(1)</script>",
		"javascript:alert(1)",
		"<img onerror='alert(1)'>",
		"<svg/onload=alert(1)>",
		"<iframe src=//evil>",
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"%3Cscript%3Ealert(1)%3C/script%3E",
		"data:text/html;base64,PHNjcmlwdD4=",
	}
	for _, in := range malicious {
		if !DetectXSS(in) {
			t.Errorf("DetectXSS(%q) = false, want true", in)
		}
	}

	benign := []string{
		"<p>Safe paragraph</p>",
		"Plain text",
		"",
		"5 < 6 and 7 > 3",
		"Deliver to Java Street",
	}
	for _, in := range benign {
		if DetectXSS(in) {
			t.Errorf("DetectXSS(%q) = true, want false", in)
		}
	}
}

func TestProperty_DetectorsHandleArbitraryInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		DetectSQLInjection(s)
		DetectXSS(s)
	})
}

func TestProperty_AlphanumericIsBenign(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-zA-Z0-9]{0,64}`).Draw(t, "s")
		if DetectSQLInjection(s) || DetectXSS(s) {
			t.Fatalf("plain token %q flagged", s)
		}
	})
}

func TestProperty_ScriptTagAlwaysDetected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-zA-Z0-9 ]{0,20}`).Draw(t, "prefix")
		tag := rapid.SampledFrom([]string{"script", "SCRIPT", "ScRiPt"}).Draw(t, "tag")
		if !DetectXSS(prefix + "<" + tag + ">x</" + strings.ToLower(tag) + ">") {
			t.Fatal("script tag not detected")
		}
	})
}
