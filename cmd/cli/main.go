package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	async     bool
)

func main() {
	root := &cobra.Command{
		Use:   "pyexec-cli",
		Short: "CLI client for safe-python-exec",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PYEXEC_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute Python code (reads stdin when no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().BoolVar(&async, "async", false, "Submit for background processing instead of waiting")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute Python code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().BoolVar(&async, "async", false, "Submit for background processing instead of waiting")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Fetch a submission by id",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent submissions",
		RunE:  runList,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(_ *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func executeCode(code string) error {
	endpoint := "/execute"
	if async {
		endpoint = "/submit"
	}

	body, _ := json.Marshal(map[string]string{"code": code})

	req, err := http.NewRequest(http.MethodPost, serverURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if status, ok := result["status"].(string); ok && status != "success" && !async {
		os.Exit(1)
	}
	return nil
}

func runGet(_ *cobra.Command, args []string) error {
	return getJSON("/submissions/" + args[0])
}

func runList(_ *cobra.Command, _ []string) error {
	return getJSON("/submissions")
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getJSON("/health")
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
