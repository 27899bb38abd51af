package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

type certView struct {
	trust.Certificate
	EffectiveTier trust.Tier `json:"effective_tier"`
}

func viewOf(c trust.Certificate) certView {
	return certView{Certificate: c, EffectiveTier: c.EffectiveTier(time.Now())}
}

// runTrustCmd implements `mcphost trust <subcommand>`.
//
// Exit codes:
//
//	0 = success
//	1 = operation failed
//	2 = usage error
func runTrustCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: mcphost trust <list|show|tier|trust|untrust|verify|remove> [server] [flags]")
		return 2
	}
	sub := args[0]

	var common commonFlags
	var authority string
	fs := newFlagSet("trust "+sub, stderr, &common)
	if sub == "verify" {
		fs.StringVar(&authority, "authority", trust.BuiltinAuthority().Fingerprint, "fingerprint of the stamping authority")
	}
	if code, ok := parseFlags(fs, args[1:]); !ok {
		return code
	}

	var serverID string
	switch sub {
	case "list":
		if fs.NArg() != 0 {
			fmt.Fprintln(stderr, "Usage: mcphost trust list [flags]")
			return 2
		}
	case "show", "tier", "trust", "untrust", "verify", "remove":
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "Usage: mcphost trust %s <server> [flags]\n", sub)
			return 2
		}
		serverID = fs.Arg(0)
	default:
		fmt.Fprintf(stderr, "Unknown trust subcommand: %s\n", sub)
		return 2
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()
	s, closer, err := openTrustStore(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer closer.Close()

	switch sub {
	case "list":
		return listCertificates(s, stdout, common.jsonOut)

	case "show":
		c, err := s.Get(serverID)
		if err != nil {
			return storeFailure(stderr, serverID, err)
		}
		return printCertificate(stdout, viewOf(c), common.jsonOut)

	case "tier":
		tier, err := s.GetTier(ctx, serverID)
		if err != nil {
			return storeFailure(stderr, serverID, err)
		}
		if common.jsonOut {
			return writeJSON(stdout, map[string]string{"server_id": serverID, "tier": string(tier)})
		}
		fmt.Fprintln(stdout, tier)
		return 0

	case "remove":
		removed, err := s.Remove(ctx, serverID)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if common.jsonOut {
			return writeJSON(stdout, map[string]any{"server_id": serverID, "removed": removed})
		}
		if !removed {
			fmt.Fprintf(stdout, "%sNo certificate for %s%s\n", ColorYellow, serverID, ColorReset)
			return 0
		}
		fmt.Fprintf(stdout, "%s✓%s Removed %s\n", ColorGreen, ColorReset, serverID)
		return 0
	}

	var c trust.Certificate
	switch sub {
	case "trust":
		c, err = s.Trust(ctx, serverID)
	case "untrust":
		c, err = s.Untrust(ctx, serverID)
	case "verify":
		c, err = s.Verify(ctx, serverID, authority)
	}
	if err != nil {
		return storeFailure(stderr, serverID, err)
	}
	if common.jsonOut {
		return writeJSON(stdout, viewOf(c))
	}
	fmt.Fprintf(stdout, "%s✓%s %s is now %s%s%s\n", ColorGreen, ColorReset, c.ServerID, ColorBold, c.Tier, ColorReset)
	return 0
}

func storeFailure(stderr io.Writer, serverID string, err error) int {
	if errors.Is(err, trust.ErrNotFound) {
		return fail(stderr, "no certificate for %s (run `mcphost trust tier %s` to issue one)", serverID, serverID)
	}
	return fail(stderr, "%v", err)
}

func listCertificates(s *trust.Store, stdout io.Writer, jsonOut bool) int {
	certs := s.List()
	if jsonOut {
		views := make([]certView, 0, len(certs))
		for _, c := range certs {
			views = append(views, viewOf(c))
		}
		return writeJSON(stdout, views)
	}
	if len(certs) == 0 {
		fmt.Fprintln(stdout, "No server certificates.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTIER\tISSUER\tEXPIRES\tFINGERPRINT")
	for _, c := range certs {
		v := viewOf(c)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ServerID, v.EffectiveTier, c.Issuer, c.ExpiresAt.Format(time.DateOnly), shortFingerprint(c.Fingerprint))
	}
	_ = tw.Flush()
	return 0
}

func printCertificate(stdout io.Writer, v certView, jsonOut bool) int {
	if jsonOut {
		return writeJSON(stdout, v)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Server:\t%s\n", v.ServerID)
	fmt.Fprintf(tw, "Tier:\t%s\n", v.EffectiveTier)
	if v.EffectiveTier != v.Tier {
		fmt.Fprintf(tw, "Stored tier:\t%s (expired)\n", v.Tier)
	}
	fmt.Fprintf(tw, "Issuer:\t%s\n", v.Issuer)
	fmt.Fprintf(tw, "Self-signed:\t%t\n", v.SelfSigned)
	if v.VerifiedBy != "" {
		fmt.Fprintf(tw, "Verified by:\t%s\n", v.VerifiedBy)
	}
	fmt.Fprintf(tw, "Issued:\t%s\n", v.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s\n", v.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Fingerprint:\t%s\n", v.Fingerprint)
	_ = tw.Flush()
	return 0
}

func shortFingerprint(fp string) string {
	const keep = len("sha256:") + 16
	if len(fp) <= keep {
		return fp
	}
	return fp[:keep]
}

// runAuthorityCmd implements `mcphost authority <list|add>`.
func runAuthorityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: mcphost authority <list|add> [flags]")
		return 2
	}
	sub := args[0]

	var common commonFlags
	var name, token string
	fs := newFlagSet("authority "+sub, stderr, &common)
	if sub == "add" {
		fs.StringVar(&name, "name", "", "display name of the authority (REQUIRED)")
		fs.StringVar(&token, "token", "", "base64url public token of the authority (REQUIRED)")
	}
	if code, ok := parseFlags(fs, args[1:]); !ok {
		return code
	}

	switch sub {
	case "list":
	case "add":
		if name == "" || token == "" {
			fmt.Fprintln(stderr, "Usage: mcphost authority add --name <name> --token <public-token>")
			return 2
		}
	default:
		fmt.Fprintf(stderr, "Unknown authority subcommand: %s\n", sub)
		return 2
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()
	s, closer, err := openTrustStore(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer closer.Close()

	if sub == "add" {
		a, err := s.AddAuthority(ctx, name, token)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		if common.jsonOut {
			return writeJSON(stdout, a)
		}
		fmt.Fprintf(stdout, "%s✓%s Added authority %s (%s)\n", ColorGreen, ColorReset, a.Name, a.Fingerprint)
		return 0
	}

	auths := s.Authorities()
	if common.jsonOut {
		return writeJSON(stdout, auths)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBUILT-IN\tFINGERPRINT")
	for _, a := range auths {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", a.Name, a.BuiltIn, a.Fingerprint)
	}
	_ = tw.Flush()
	return 0
}
