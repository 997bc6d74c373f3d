package cmd

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/lanternworks/agentrelay/internal/config"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Mode:", cfg.Database.Mode)
	if cfg.Database.Mode == "managed" {
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s AGENTRELAY_POSTGRES_DSN not set\n", "Status:")
		} else if db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN); dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			if pingErr := db.Ping(); pingErr != nil {
				fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			} else {
				fmt.Printf("    %-12s OK\n", "Status:")
			}
		}
	} else {
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(cfg.Database.SQLitePath))
	}

	fmt.Println()
	fmt.Println("  Homeserver:")
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Homeserver.BaseURL)
	fmt.Printf("    %-12s %s\n", "Server:", cfg.Homeserver.ServerName)
	checkEndpoint("Status:", cfg.Homeserver.BaseURL)

	fmt.Println()
	fmt.Println("  Runtime:")
	if cfg.Runtime.BaseURL == "" {
		fmt.Printf("    %-12s not configured (recovery disabled)\n", "Status:")
	} else {
		fmt.Printf("    %-12s %s\n", "URL:", cfg.Runtime.BaseURL)
		checkEndpoint("Status:", cfg.Runtime.BaseURL)
	}

	fmt.Println()
	fmt.Printf("  Agents:   %d configured\n", len(cfg.Agents))
	for _, a := range cfg.Agents {
		cred := "password"
		if a.AccessToken != "" {
			cred = "token"
		} else if a.Password == "" {
			cred = "MISSING CREDENTIAL"
		}
		room := a.RoomID
		if room == "" {
			room = "(unprovisioned)"
		}
		fmt.Printf("    %-16s user=%s room=%s cred=%s\n", a.ID, a.UserID, room, cred)
	}

	fmt.Println()
	fmt.Printf("  Alerts:   ")
	if cfg.Alerts.Endpoint == "" {
		fmt.Println("disabled (log only)")
	} else {
		fmt.Println(cfg.Alerts.Endpoint)
	}
}

// checkEndpoint reports basic TCP/HTTP reachability; any HTTP status counts
// as reachable.
func checkEndpoint(label, baseURL string) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(baseURL)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", label, err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-12s reachable (HTTP %d)\n", label, resp.StatusCode)
}
