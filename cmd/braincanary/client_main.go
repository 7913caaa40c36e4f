package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/braincanary/braincanary/internal/api"
	"github.com/braincanary/braincanary/internal/persistence"
)

// apiClient is the thin HTTP client behind the lifecycle subcommands.
type apiClient struct {
	base string
	http *http.Client
}

func clientFromFlags(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	return &apiClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func addAddrFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String("addr", "127.0.0.1:8080", "Controller address")
	return cmd
}

func (c *apiClient) do(method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("controller refused: %s", apiErr.Error)
		}
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <deployment.yaml>",
		Short: "Launch a rollout from a deployment spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read deployment spec: %w", err)
			}
			var snap persistence.DeploymentSnapshot
			if err := clientFromFlags(cmd).do("POST", "/v1/deployments", bytes.NewReader(spec), &snap); err != nil {
				return err
			}
			fmt.Printf("started deployment %s (%s) at stage 0, canary weight %d%%\n",
				snap.ID, snap.Name, snap.CanaryWeight)
			return nil
		},
	}
	return addAddrFlag(cmd)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active rollout and its latest gate evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			if err := clientFromFlags(cmd).do("GET", "/v1/status", nil, &status); err != nil {
				return err
			}
			if status.Deployment == nil {
				fmt.Println("no active deployment")
				return nil
			}
			return printJSON(status)
		},
	}
	return addAddrFlag(cmd)
}

func newPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Freeze gate-driven progression at the current stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, "/v1/deployments/current/pause")
		},
	}
	return addAddrFlag(cmd)
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused rollout, restarting the stage timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, "/v1/deployments/current/resume")
		},
	}
	return addAddrFlag(cmd)
}

func newPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Advance to the next stage",
		Long: `Advances one stage. Without --force the controller refuses unless the
latest evaluation has every gate passing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/deployments/current/promote"
			if force, _ := cmd.Flags().GetBool("force"); force {
				path += "?force=true"
			}
			return runLifecycle(cmd, path)
		},
	}
	cmd.Flags().Bool("force", false, "Promote even with failing or unevaluated gates")
	return addAddrFlag(cmd)
}

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Abort the rollout and return all traffic to baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			body, _ := json.Marshal(map[string]string{"reason": reason})
			var snap persistence.DeploymentSnapshot
			if err := clientFromFlags(cmd).do("POST", "/v1/deployments/current/rollback",
				bytes.NewReader(body), &snap); err != nil {
				return err
			}
			fmt.Printf("deployment %s rolled back (%s)\n", snap.ID, snap.Reason)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Free-form reason recorded with the rollback")
	return addAddrFlag(cmd)
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [deployment-id]",
		Short: "Show a deployment's state transitions",
		Long:  "Without an id, shows the transitions of the active deployment.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd)
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				var status api.StatusResponse
				if err := client.do("GET", "/v1/status", nil, &status); err != nil {
					return err
				}
				if status.Deployment == nil {
					return fmt.Errorf("no active deployment; pass a deployment id")
				}
				id = status.Deployment.ID
			}
			var transitions []persistence.Transition
			path := "/v1/deployments/" + url.PathEscape(id) + "/transitions"
			if err := client.do("GET", path, nil, &transitions); err != nil {
				return err
			}
			for _, tr := range transitions {
				fmt.Printf("%s  %-12s -> %-12s  %s\n",
					tr.Timestamp.Format(time.RFC3339), tr.FromState, tr.ToState, tr.Reason)
			}
			return nil
		},
	}
	return addAddrFlag(cmd)
}

func runLifecycle(cmd *cobra.Command, path string) error {
	var snap persistence.DeploymentSnapshot
	if err := clientFromFlags(cmd).do("POST", path, nil, &snap); err != nil {
		return err
	}
	fmt.Printf("deployment %s is now %s (stage %d, canary weight %d%%)\n",
		snap.ID, snap.State, snap.StageIndex, snap.CanaryWeight)
	return nil
}
