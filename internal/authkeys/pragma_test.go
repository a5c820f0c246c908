package authkeys

import "testing"

func TestParseBeginSerial(t *testing.T) {
	cases := []struct {
		name       string
		line       string
		wantSerial int
		wantOK     bool
	}{
		{"well formed", "# keysyncd-BEGIN managed-by:keysyncd host:web1 login:deploy serial:3", 3, true},
		{"not a begin line", "# keysyncd-END managed-by:keysyncd", 0, false},
		{"hand edited, no serial field", "# keysyncd-BEGIN managed-by:keysyncd host:web1 login:deploy", 0, false},
		{"garbage serial value", "# keysyncd-BEGIN managed-by:keysyncd serial:nope", 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			serial, ok := ParseBeginSerial(c.line)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if serial != c.wantSerial {
				t.Fatalf("serial = %d, want %d", serial, c.wantSerial)
			}
		})
	}
}

func TestHasPragma(t *testing.T) {
	content := PragmaBegin + " host:h login:l serial:1\nssh-ed25519 AAAA\n" + PragmaEnd
	if !HasPragma(content) {
		t.Fatal("expected HasPragma to find both markers")
	}
	if HasPragma("no markers here") {
		t.Fatal("expected HasPragma to report false without markers")
	}
}
