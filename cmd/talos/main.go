// Command talos is the operator CLI for a running gateway. It talks to
// the daemon's admin HTTP server; TALOS_BASE_URL and TALOS_ADMIN_KEY
// select the endpoint and credentials.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗")+" "+err.Error())
		os.Exit(1)
	}
}

var errUsage = errors.New("usage error")

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "talos",
		Short:         "Talos gateway CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		return errUsage
	})
	cmd.AddCommand(statusCmd(), cleanupCmd(), vacuumCmd())
	return cmd
}

func baseURL() string {
	if v := os.Getenv("TALOS_BASE_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:9380"
}

func client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type statusResponse struct {
	GatewayID string `json:"gateway_id"`
	Devices   map[string]struct {
		Phase    string `json:"phase"`
		Failures int    `json:"consecutive_failures"`
	} `json:"devices"`
	ActiveAlerts  int        `json:"active_alerts"`
	LastPostOkAt  *time.Time `json:"last_post_ok_at"`
	OutboxPending int        `json:"outbox_pending"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and device status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Get(baseURL() + "/status")
			if err != nil {
				return fmt.Errorf("reach gateway: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway returned %s", resp.Status)
			}
			var st statusResponse
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			fmt.Println(accentStyle.Render("gateway"), st.GatewayID)
			lastOk := mutedStyle.Render("never")
			if st.LastPostOkAt != nil {
				lastOk = st.LastPostOkAt.Local().Format(time.RFC3339)
			}
			fmt.Println(mutedStyle.Render("last upstream ok:"), lastOk,
				mutedStyle.Render(" outbox pending:"), fmt.Sprint(st.OutboxPending),
				mutedStyle.Render(" active alerts:"), fmt.Sprint(st.ActiveAlerts))

			ids := make([]string, 0, len(st.Devices))
			for id := range st.Devices {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(mutedStyle).
				Headers("DEVICE", "PHASE", "FAILURES")
			for _, id := range ids {
				d := st.Devices[id]
				phase := okStyle.Render(d.Phase)
				if d.Phase != "healthy" {
					phase = warnStyle.Render(d.Phase)
				}
				t.Row(id, phase, fmt.Sprint(d.Failures))
			}
			fmt.Println(t)
			return nil
		},
	}
}

func adminPost(path string) error {
	req, err := http.NewRequest(http.MethodPost, baseURL()+path, nil)
	if err != nil {
		return err
	}
	if key := os.Getenv("TALOS_ADMIN_KEY"); key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	resp, err := client().Do(req)
	if err != nil {
		return fmt.Errorf("reach gateway: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, string(body))
	}
	fmt.Println(okStyle.Render("✓"), string(body))
	return nil
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/admin/cleanup")
		},
	}
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the snapshot database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/admin/vacuum")
		},
	}
}
