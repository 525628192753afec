// Command certctl recovers and verifies anchored certificates straight from
// the external chain, mints development tokens and runs an in-process
// self test of the approval and integrity pipeline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"certledger.org/internal/auth"
	"certledger.org/internal/chain/eth"
	"certledger.org/internal/recovery"
)

var version = "0.1.0"

var (
	ok   = color.New(color.FgGreen, color.Bold).SprintFunc()
	bad  = color.New(color.FgRed, color.Bold).SprintFunc()
	dim  = color.New(color.Faint).SprintFunc()
	head = color.New(color.FgCyan).SprintFunc()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, bad("error:"), err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "certctl",
		Usage:   "recover and verify anchored certificates",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc-url", Usage: "Ethereum JSON-RPC endpoint", EnvVars: []string{"CERTD_ETH_RPC_URL"}},
			&cli.StringFlag{Name: "explorer-url", Value: "https://sepolia.etherscan.io", EnvVars: []string{"CERTD_EXPLORER_URL"}},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "deadline for chain reads"},
			&cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
			&cli.BoolFlag{Name: "no-color"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("no-color") {
				color.NoColor = true
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "recover",
				Usage:     "read a certificate back from its anchor transaction",
				ArgsUsage: "<tx-id>",
				Action:    recoverCmd,
			},
			{
				Name:      "verify",
				Usage:     "compare an anchored content hash with an expected one",
				ArgsUsage: "<tx-id> <content-hash>",
				Action:    verifyCmd,
			},
			{
				Name:      "recover-batch",
				Usage:     "recover many transactions; ids from args or --file (one per line)",
				ArgsUsage: "[tx-id...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}},
					&cli.IntFlag{Name: "concurrency", Value: 8},
				},
				Action: recoverBatchCmd,
			},
			{
				Name:  "token",
				Usage: "mint a development bearer token with the shared secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringSliceFlag{Name: "role", Value: cli.NewStringSlice("viewer")},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"CERTD_AUTH_SECRET"}},
				},
				Action: tokenCmd,
			},
			{
				Name:   "selftest",
				Usage:  "run submit, approve, anchor, recover and tamper checks in process",
				Action: selftestCmd,
			},
		},
	}
}

func newVerifier(c *cli.Context, opts ...recovery.Option) (*recovery.Verifier, error) {
	url := c.String("rpc-url")
	if url == "" {
		return nil, cli.Exit("an RPC endpoint is required (--rpc-url or CERTD_ETH_RPC_URL)", 2)
	}
	client, err := eth.Dial(c.Context, eth.Config{RPCURL: url, ExplorerBase: c.String("explorer-url")})
	if err != nil {
		return nil, err
	}
	return recovery.New(client, opts...), nil
}

func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func recoverCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: certctl recover <tx-id>", 2)
	}
	v, err := newVerifier(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	cert, err := v.Recover(ctx, c.Args().First())
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, cert)
	}
	printCertificate(c.App.Writer, cert)
	return nil
}

func verifyCmd(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: certctl verify <tx-id> <content-hash>", 2)
	}
	v, err := newVerifier(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	res, err := v.VerifyHash(ctx, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, res)
	}
	if res.Matches {
		fmt.Fprintln(c.App.Writer, ok("MATCH"), res.TxID)
	} else {
		fmt.Fprintln(c.App.Writer, bad("MISMATCH"), res.TxID)
		fmt.Fprintln(c.App.Writer, dim("  expected"), res.ExpectedHash)
		fmt.Fprintln(c.App.Writer, dim("  on chain"), res.ActualHash)
	}
	if res.Certificate != nil {
		printCertificate(c.App.Writer, *res.Certificate)
	}
	if !res.Matches {
		return cli.Exit("", 3)
	}
	return nil
}

func recoverBatchCmd(c *cli.Context) error {
	ids := c.Args().Slice()
	if path := c.String("file"); path != "" {
		fromFile, err := readIDs(path)
		if err != nil {
			return err
		}
		ids = append(ids, fromFile...)
	}
	if len(ids) == 0 {
		return cli.Exit("no transaction ids given", 2)
	}
	v, err := newVerifier(c, recovery.WithConcurrency(c.Int("concurrency")))
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	res, err := v.RecoverBatch(ctx, ids)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, res)
	}
	for _, cert := range res.Recovered {
		fmt.Fprintf(c.App.Writer, "%s %s %s %s\n", ok("OK  "), cert.TxID, cert.Payload.CertificateID, cert.Payload.ContentHash)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(c.App.Writer, "%s %s %s\n", bad("FAIL"), f.TxID, dim(f.Error))
	}
	fmt.Fprintf(c.App.Writer, "%d recovered, %d failed\n", len(res.Recovered), len(res.Failed))
	if len(res.Failed) > 0 {
		return cli.Exit("", 3)
	}
	return nil
}

func tokenCmd(c *cli.Context) error {
	if s := c.String("secret"); s != "" {
		auth.SetSecret(s)
	}
	token, err := auth.GenerateToken(c.String("user"), c.StringSlice("role"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func selftestCmd(c *cli.Context) error {
	if err := runSelftest(c.Context, c.App.Writer); err != nil {
		return cli.Exit(bad("selftest failed: ")+err.Error(), 1)
	}
	return nil
}

func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

func printCertificate(w io.Writer, cert recovery.Certificate) {
	p := cert.Payload
	fmt.Fprintln(w, head("certificate"), p.CertificateID)
	fmt.Fprintf(w, "  entity        %s %s (%s)\n", p.EntityType, p.EntityID, p.EntityName)
	fmt.Fprintf(w, "  content hash  %s\n", p.ContentHash)
	if e := p.Entity; e != nil && e.Product != nil {
		fmt.Fprintf(w, "  product       lto %s  cfpr %s  lot %s  brand %s\n", e.Product.LTONumber, e.Product.CFPRNumber, e.Product.LotNumber, e.Product.BrandName)
	}
	if e := p.Entity; e != nil && e.Company != nil {
		fmt.Fprintf(w, "  license       %s\n", e.Company.LicenseNumber)
	}
	fmt.Fprintf(w, "  version       %s / submission %d\n", p.Version, p.SubmissionVersion)
	fmt.Fprintf(w, "  tx            %s\n", cert.TxID)
	fmt.Fprintf(w, "  block         %d at %s\n", cert.BlockNumber, cert.BlockTimestamp.Format(time.RFC3339))
	if cert.ExplorerURL != "" {
		fmt.Fprintf(w, "  explorer      %s\n", cert.ExplorerURL)
	}
	for _, a := range p.Approvers {
		fmt.Fprintf(w, "  approved by   %s %s %s\n", a.Name, dim(a.Wallet), a.Date.Format(time.RFC3339))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
