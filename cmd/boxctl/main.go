package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"boxd/pkg/types"
)

// boxctl is a small HTTP client for a running boxd daemon.

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	addr := os.Getenv("BOXD_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}

	root := &cobra.Command{
		Use:           "boxctl",
		Short:         "Control a running boxd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", addr, "Base URL of the boxd HTTP API (defaults BOXD_ADDR)")

	statusCmd := &cobra.Command{Use: "status", Short: "Show device, updater phase and fetch progress", RunE: func(cmd *cobra.Command, args []string) error {
		return doGet(addr, "/status")
	}}

	versionsCmd := &cobra.Command{Use: "versions", Short: "List file versions found under the managed root", RunE: func(cmd *cobra.Command, args []string) error {
		return doGet(addr, "/versions")
	}}

	fetchCmd := &cobra.Command{
		Use:     "fetch <file> [dest]",
		Short:   "Fetch one file from the source device",
		Example: "  boxctl fetch lib/util.py\n  boxctl fetch boot.py boot.py.new --chunk 512 --source hub",
		Args:    cobra.RangeArgs(1, 2),
	}
	fetchChunk := fetchCmd.Flags().Int("chunk", 0, "Chunk size in bytes (0 = daemon default)")
	fetchSource := fetchCmd.Flags().String("source", "", "Device to fetch from (empty = daemon default)")
	fetchCmd.RunE = func(cmd *cobra.Command, args []string) error {
		req := types.FetchRequest{File: args[0], Chunk: *fetchChunk, Source: *fetchSource}
		if len(args) > 1 {
			req.Dest = args[1]
		}
		if err := doPost(addr, "/fetch", req); err != nil {
			return err
		}
		return waitFetch(addr)
	}

	checkCmd := &cobra.Command{Use: "check", Short: "Fetch the source manifest and report pending updates", RunE: func(cmd *cobra.Command, args []string) error {
		if err := doPost(addr, "/check", nil); err != nil {
			return err
		}
		return waitIdle(addr)
	}}
	checkLocalCmd := &cobra.Command{Use: "check-local", Short: "Compare against the cached manifest without contacting the source", RunE: func(cmd *cobra.Command, args []string) error {
		if err := doPost(addr, "/check/local", nil); err != nil {
			return err
		}
		return waitIdle(addr)
	}}
	updateCmd := &cobra.Command{Use: "update", Short: "Run a full update: fetch manifest, download and install outdated files", RunE: func(cmd *cobra.Command, args []string) error {
		if err := doPost(addr, "/update", nil); err != nil {
			return err
		}
		return waitIdle(addr)
	}}

	root.AddCommand(statusCmd, versionsCmd, fetchCmd, checkCmd, checkLocalCmd, updateCmd)
	return root
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func doGet(addr, path string) error {
	resp, err := httpClient.Get(addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func doPost(addr, path string, body any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	resp, err := httpClient.Post(addr+path, "application/json", rdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if json.Indent(&buf, raw, "", "  ") == nil {
		fmt.Println(buf.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

// waitIdle polls /status until the updater leaves its running phases, then
// prints the final status.
func waitIdle(addr string) error {
	for {
		time.Sleep(500 * time.Millisecond)
		st, err := getStatus(addr)
		if err != nil {
			return err
		}
		switch st.Phase {
		case "idle", "done", "failed":
			printStatus(st)
			if st.Phase == "failed" {
				return fmt.Errorf("run failed: %s", st.Error)
			}
			return nil
		}
	}
}

// waitFetch polls /status until no fetch session is active.
func waitFetch(addr string) error {
	for {
		time.Sleep(500 * time.Millisecond)
		st, err := getStatus(addr)
		if err != nil {
			return err
		}
		if !st.Fetch.Active {
			printStatus(st)
			return nil
		}
		fmt.Fprintf(os.Stderr, "fetching %s: %d bytes\n", st.Fetch.File, st.Fetch.Bytes)
	}
}

func getStatus(addr string) (types.StatusResponse, error) {
	var st types.StatusResponse
	resp, err := httpClient.Get(addr + "/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, err
	}
	return st, nil
}

func printStatus(st types.StatusResponse) {
	fmt.Println("phase:", st.Phase)
	if st.Error != "" {
		fmt.Println("error:", st.Error)
	}
	if len(st.Pending) > 0 {
		fmt.Println("pending updates: " + strconv.Itoa(len(st.Pending)))
		for _, f := range st.Pending {
			fmt.Println("  " + f)
		}
	}
	if len(st.Newer) > 0 {
		fmt.Println("locally newer:")
		for _, f := range st.Newer {
			fmt.Println("  " + f)
		}
	}
}
