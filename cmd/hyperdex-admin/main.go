// Command hyperdex-admin is a thin client for the checkpoint-quiescence
// admin endpoint a running hyperdexd exposes (spec §4.6). It is
// deliberately minimal: full administrative tooling (space creation,
// cluster membership) is out of scope, per SPEC_FULL.md §10.3.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "hyperdex-admin",
	Short: "Drive a hyperdexd daemon's checkpoint-quiescence endpoint",
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Block client writes and wait for this daemon to reach quiescence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postTo(addr + "/checkpoint")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume accepting client writes after a checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postTo(addr + "/resume")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9600", "base URL of the daemon's admin endpoint")
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(resumeCmd)
}

func postTo(url string) error {
	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s: %s", url, resp.Status, body)
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
