package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/Mindburn-Labs/mcphost/pkg/orchestrator"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `mcphost doctor`.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("doctor", stderr, &common)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	results := doctorChecks(context.Background(), common.configPath)
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if common.jsonOut {
		_ = writeJSON(stdout, map[string]any{"ok": allOK, "checks": results})
	} else {
		fmt.Fprintf(stdout, "\n%smcphost doctor%s\n", ColorBold+ColorBlue, ColorReset)
		fmt.Fprintln(stdout, "──────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-16s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}
	if allOK {
		return 0
	}
	return 1
}

func doctorChecks(ctx context.Context, configPath string) []checkResult {
	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
	}
	detail := "environment"
	if configPath != "" {
		detail = configPath
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: detail})

	if cfg.Store.Backend == config.BackendFile || cfg.Store.Backend == config.BackendSQLite {
		if _, err := os.Stat(cfg.DataDir); err != nil {
			results = append(results, checkResult{
				Name:   "data_dir",
				Status: "warn",
				Detail: fmt.Sprintf("%s does not exist (will be created on first use)", cfg.DataDir),
			})
		} else {
			results = append(results, checkResult{Name: "data_dir", Status: "ok", Detail: cfg.DataDir})
		}
	}

	s, closer, err := openTrustStore(ctx, cfg)
	if err != nil {
		results = append(results, checkResult{Name: "trust_store", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{
			Name:   "trust_store",
			Status: "ok",
			Detail: fmt.Sprintf("%s: %d certificates, %d authorities", cfg.Store.Backend, len(s.List()), len(s.Authorities())),
		})
		_ = closer.Close()
	}

	policy, err := orchestrator.NewURLPolicy()
	if err == nil {
		err = policy.Compile(cfg.Elicitation.URLPolicy)
	}
	if err != nil {
		results = append(results, checkResult{Name: "url_policy", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "url_policy", Status: "ok", Detail: cfg.Elicitation.URLPolicy})
	}

	if cfg.Observability.Enabled {
		results = append(results, checkResult{Name: "telemetry", Status: "ok", Detail: "OTLP " + cfg.Observability.OTLPEndpoint})
	} else {
		results = append(results, checkResult{Name: "telemetry", Status: "warn", Detail: "disabled"})
	}
	return results
}
