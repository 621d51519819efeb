package matching

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "punctuation and case", in: "Acme, S.L.", want: "acme sl"},
		{name: "registry spelling", in: "ACME S.L.", want: "acme sl"},
		{name: "diacritics", in: "Distribuciones Peñíscola, S.A.", want: "distribuciones peniscola sa"},
		{name: "collapsed whitespace", in: "  Foo \t  Bar\n Baz ", want: "foo bar baz"},
		{name: "symbols removed", in: "Smith & Sons (UK) Ltd.", want: "smith sons uk ltd"},
		{name: "only punctuation", in: " .,;- ", want: ""},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeywords(t *testing.T) {
	got := keywords("la casa de los quesos sl")
	for _, want := range []string{"casa", "los", "quesos"} {
		if _, ok := got[want]; !ok {
			t.Errorf("keywords missing %q", want)
		}
	}
	for _, short := range []string{"la", "de", "sl"} {
		if _, ok := got[short]; ok {
			t.Errorf("keywords should skip short token %q", short)
		}
	}
}
