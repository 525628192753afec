package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"certledger.org/internal/auth"
)

func init() { color.NoColor = true }

func TestSelftest(t *testing.T) {
	var out bytes.Buffer
	if err := runSelftest(context.Background(), &out); err != nil {
		t.Fatalf("selftest: %v\n%s", err, out.String())
	}
	for _, step := range []string{"submit", "anchor once", "recover from chain", "tamper is detected", "restore integrity"} {
		if !strings.Contains(out.String(), "PASS "+step) {
			t.Fatalf("missing step %q in output:\n%s", step, out.String())
		}
	}
}

func TestTokenCommand(t *testing.T) {
	t.Cleanup(auth.ResetSecretForTests)
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"certctl", "token", "--user", "alice", "--role", "admin", "--secret", "s3cret-dev-key"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.ParseAndValidate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "alice" || len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("claims: %+v", claims)
	}
}

func TestRecoverNeedsEndpoint(t *testing.T) {
	t.Setenv("CERTD_ETH_RPC_URL", "")
	var code int
	orig := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	t.Cleanup(func() { cli.OsExiter = orig })

	app := newApp(&bytes.Buffer{})
	app.ErrWriter = &bytes.Buffer{}
	if err := app.Run([]string{"certctl", "recover", "0xabc"}); err == nil {
		t.Fatal("expected an error without --rpc-url")
	}
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestReadIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	if err := os.WriteFile(path, []byte("0xaa\n\n# comment\n 0xbb \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ids, err := readIDs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "0xaa" || ids[1] != "0xbb" {
		t.Fatalf("ids = %v", ids)
	}
}
