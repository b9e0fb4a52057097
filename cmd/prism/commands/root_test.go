package commands

import (
	"testing"
)

func TestParseLegacyArgs(t *testing.T) {
	cases := []struct {
		args    []string
		bind    string
		connect string
		ok      bool
	}{
		{[]string{"4000"}, "0.0.0.0:4000", "", true},
		{[]string{"4001", "127.0.0.1", "4000"}, "0.0.0.0:4001", "127.0.0.1:4000", true},
		{[]string{"4001", "::1", "4000"}, "0.0.0.0:4001", "[::1]:4000", true},
		{[]string{}, "", "", false},
		{[]string{"4001", "127.0.0.1"}, "", "", false},
		{[]string{"port"}, "", "", false},
		{[]string{"0"}, "", "", false},
		{[]string{"70000"}, "", "", false},
		{[]string{"4001", "localhost", "4000"}, "", "", false},
		{[]string{"4001", "127.0.0.1", "x"}, "", "", false},
	}

	for _, c := range cases {
		bind, connect, err := parseLegacyArgs(c.args)
		if c.ok != (err == nil) {
			t.Fatalf("%v: unexpected error state: %v", c.args, err)
		}
		if bind != c.bind || connect != c.connect {
			t.Fatalf("%v: got (%s, %s), expected (%s, %s)", c.args, bind, connect, c.bind, c.connect)
		}
	}
}
