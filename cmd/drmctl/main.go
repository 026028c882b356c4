// Package main はDRMホストCLIツールのエントリポイント。
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

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "drmctl",
		Short: "DRM Plugin Host CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("DRMCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set DRMCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(supportsCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(keyRequestCmd())
	rootCmd.AddCommand(keyResponseCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(secureStopsCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drmctl version %s\n", version)
		},
	}
}

// doRequest はAPIを呼び出してレスポンス本文を返す。
func doRequest(method, url string, reqBody interface{}, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set DRMCTL_API_URL)")
	}

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// handleErrorResponse はエラーレスポンスをCLIエラーに変換する。
func handleErrorResponse(status int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return fmt.Errorf("API error %d (%s): %s", status, errResp.Code, errResp.Message)
	}
	return fmt.Errorf("API error %d: %s", status, string(body))
}

// printResult はレスポンスを出力形式に従って表示する。
func printResult(body []byte, textFn func(map[string]interface{})) error {
	if output == "json" {
		fmt.Println(string(body))
		return nil
	}
	var result map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	textFn(result)
	return nil
}

// createCmd はインスタンスの生成コマンド。
func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new DRM instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodPost, apiURL+"/v1/instances", nil, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("Created instance %v\n", result["instance_id"])
			})
		},
	}
}

// releaseCmd はインスタンスの破棄コマンド。
func releaseCmd() *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a DRM instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/instances/%s", apiURL, instanceID)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("Released instance %s\n", instanceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.MarkFlagRequired("instance")
	return cmd
}

// supportsCmd はスキーム対応可否の確認コマンド。
func supportsCmd() *cobra.Command {
	var instanceID, scheme, mime string
	cmd := &cobra.Command{
		Use:   "supports",
		Short: "Check whether a crypto scheme is supported",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/instances/%s/supports?scheme=%s&mime=%s", apiURL, instanceID, scheme, mime)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("supported: %v\n", result["supported"])
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&scheme, "scheme", "", "Scheme UUID (required)")
	cmd.Flags().StringVar(&mime, "mime", "", "MIME type (optional)")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("scheme")
	return cmd
}

// openCmd はプラグイン生成とセッションの確立コマンド。
func openCmd() *cobra.Command {
	var instanceID, scheme string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Create a plugin and open a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheme != "" {
				url := fmt.Sprintf("%s/v1/instances/%s/plugin", apiURL, instanceID)
				if _, err := doRequest(http.MethodPost, url, map[string]string{"scheme": scheme}, http.StatusCreated); err != nil {
					return err
				}
			}
			url := fmt.Sprintf("%s/v1/instances/%s/sessions", apiURL, instanceID)
			body, err := doRequest(http.MethodPost, url, nil, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("Opened session %v\n", result["session_id"])
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&scheme, "scheme", "", "Scheme UUID (creates the plugin first when set)")
	cmd.MarkFlagRequired("instance")
	return cmd
}

// closeCmd はセッションの解放コマンド。
func closeCmd() *cobra.Command {
	var instanceID, sessionID string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/instances/%s/sessions/%s", apiURL, instanceID, sessionID)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("Closed session %s\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("session")
	return cmd
}

// keyRequestCmd は鍵要求の生成コマンド。
func keyRequestCmd() *cobra.Command {
	var instanceID, sessionID, initData, mimeType, keyType string
	cmd := &cobra.Command{
		Use:   "key-request",
		Short: "Generate a key request for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/instances/%s/sessions/%s/keys/request", apiURL, instanceID, sessionID)
			req := map[string]interface{}{
				"init_data": initData,
				"mime_type": mimeType,
				"key_type":  keyType,
			}
			body, err := doRequest(http.MethodPost, url, req, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("request: %v\nrequest_type: %v\n", result["request"], result["request_type"])
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	cmd.Flags().StringVar(&initData, "init-data", "", "Base64 init data")
	cmd.Flags().StringVar(&mimeType, "mime", "video/mp4", "Content MIME type")
	cmd.Flags().StringVar(&keyType, "key-type", "streaming", "Key type: streaming, offline, release")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("session")
	return cmd
}

// keyResponseCmd はライセンス応答の適用コマンド。
func keyResponseCmd() *cobra.Command {
	var instanceID, sessionID, response string
	cmd := &cobra.Command{
		Use:   "key-response",
		Short: "Provide a license response to a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/instances/%s/sessions/%s/keys/response", apiURL, instanceID, sessionID)
			req := map[string]string{"response": response}
			body, err := doRequest(http.MethodPost, url, req, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("key_set_id: %v\n", result["key_set_id"])
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	cmd.Flags().StringVar(&response, "response", "", "Base64 license response (required)")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("response")
	return cmd
}

// propertyCmd はプロパティの取得・設定コマンド。
func propertyCmd() *cobra.Command {
	var instanceID, name, value, format string
	var set bool
	cmd := &cobra.Command{
		Use:   "property",
		Short: "Get or set a plugin property",
		RunE: func(cmd *cobra.Command, args []string) error {
			if set {
				url := fmt.Sprintf("%s/v1/instances/%s/properties/%s", apiURL, instanceID, name)
				req := map[string]string{"value": value, "format": format}
				if _, err := doRequest(http.MethodPut, url, req, http.StatusNoContent); err != nil {
					return err
				}
				fmt.Printf("Set property %s\n", name)
				return nil
			}
			url := fmt.Sprintf("%s/v1/instances/%s/properties/%s?format=%s", apiURL, instanceID, name, format)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				fmt.Printf("%v\n", result["value"])
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Property name (required)")
	cmd.Flags().StringVar(&value, "value", "", "Property value (sets the property)")
	cmd.Flags().StringVar(&format, "format", "string", "Property format: string, bytes")
	cmd.Flags().BoolVar(&set, "set", false, "Set instead of get")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("name")
	return cmd
}

// secureStopsCmd はセキュアストップの一覧・解放コマンド。
func secureStopsCmd() *cobra.Command {
	var instanceID string
	var releaseAll bool
	cmd := &cobra.Command{
		Use:   "secure-stops",
		Short: "List or release secure stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			if releaseAll {
				url := fmt.Sprintf("%s/v1/instances/%s/secure-stops", apiURL, instanceID)
				if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
					return err
				}
				fmt.Println("Released all secure stops")
				return nil
			}
			url := fmt.Sprintf("%s/v1/instances/%s/secure-stops", apiURL, instanceID)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(body, func(result map[string]interface{}) {
				stops, _ := result["secure_stops"].([]interface{})
				fmt.Printf("%d secure stop(s)\n", len(stops))
				for _, s := range stops {
					fmt.Printf("  %v\n", s)
				}
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID (required)")
	cmd.Flags().BoolVar(&releaseAll, "release-all", false, "Release all secure stops")
	cmd.MarkFlagRequired("instance")
	return cmd
}
