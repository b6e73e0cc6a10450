package main

import "testing"

func TestParseTokens(t *testing.T) {
	toks, err := parseTokens(" 1, 2,3 ,4")
	if err != nil {
		t.Fatalf("parseTokens: %v", err)
	}
	if len(toks) != 4 || toks[0] != 1 || toks[3] != 4 {
		t.Fatalf("parseTokens = %v", toks)
	}

	for _, bad := range []string{"", ",,", "1,x", "-1"} {
		if _, err := parseTokens(bad); err == nil {
			t.Fatalf("parseTokens(%q) should fail", bad)
		}
	}
}
