// Command icapctl is the icapd operator CLI: probe a running server's
// OPTIONS response, inspect the effective configuration, and rotate the
// tokenshield filter's encryption key.
//
// Grounded on ppomes-TokenShield/cli/main.go's cobra root/subcommand
// layout, initConfig's viper search-path wiring, configShowCmd's
// permission-and-value report, and loginCmd's term.ReadPassword +
// viper.WriteConfig pattern for persisting a secret without echoing it.
package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tokenshield/icap/internal/config"
)

var (
	cfgFile string
	addr    string
)

var rootCmd = &cobra.Command{
	Use:   "icapctl",
	Short: "icapctl manages and inspects a running icapd instance",
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send OPTIONS to an icapd listener and print its capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return probe(addr)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect icapd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration icapd would load",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		printConfig(cfg)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the tokenshield filter's encryption key",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Prompt for a new base64 Fernet key and persist it to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rotateKey()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to icapd.yaml (default: $HOME/.icapd.yaml, ./.icapd.yaml)")
	probeCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:1344", "icapd listen address to probe")

	configCmd.AddCommand(configShowCmd)
	keysCmd.AddCommand(keysRotateCmd)
	rootCmd.AddCommand(probeCmd, configCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printConfig(cfg config.Config) {
	fmt.Printf("listen:                      %s\n", cfg.Listen)
	fmt.Printf("max_connections:             %d\n", cfg.MaxConnections)
	fmt.Printf("max_connections_per_client:  %d\n", cfg.MaxConnectionsPerClient)
	fmt.Printf("connection_timeout:          %s\n", cfg.ConnectionTimeout)
	fmt.Printf("request_timeout:             %s\n", cfg.RequestTimeout)
	fmt.Printf("transaction_deadline:        %s\n", cfg.TransactionDeadline)
	fmt.Printf("max_header_bytes:            %d\n", cfg.MaxHeaderBytes)
	fmt.Printf("max_body_bytes:              %d\n", cfg.MaxBodyBytes)
	fmt.Printf("preview_size:                %d\n", cfg.PreviewSize)
	fmt.Printf("istag:                       %q (empty = derived from filter chain)\n", cfg.ISTag)
	fmt.Printf("shutdown_grace:              %s\n", cfg.ShutdownGrace)
	fmt.Printf("service:                     %s\n", cfg.Service)
	fmt.Printf("force_ok_on_allow:           %v\n", cfg.ForceOKOnAllow)
	fmt.Printf("audit_path:                  %s\n", valueOrNone(cfg.AuditPath))
	fmt.Printf("tokenshield_dsn:             %s\n", redactDSN(cfg.TokenShieldDSN))
	fmt.Printf("tokenshield_key:             %s\n", redactKey(cfg.TokenShieldKey))
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return "(disabled)"
	}
	return "(configured)"
}

func redactKey(key string) string {
	if key == "" {
		return "(disabled)"
	}
	return "(configured)"
}

// probe opens a bare TCP connection, sends a minimal OPTIONS request, and
// reports the ISTag/Methods/Preview capabilities icapd's OPTIONS response
// advertises.
func probe(target string) error {
	conn, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := fmt.Sprintf("OPTIONS icap://%s/ ICAP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("writing OPTIONS request: %w", err)
	}

	tp := textproto.NewReader(bufio.NewReader(conn))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("reading status line: %w", err)
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return fmt.Errorf("reading response headers: %w", err)
	}

	fmt.Println(statusLine)
	for _, key := range []string{"Istag", "Methods", "Preview", "Service", "Options-Ttl"} {
		if v := headers.Get(key); v != "" {
			fmt.Printf("%s: %s\n", key, v)
		}
	}
	return nil
}

// rotateKey reads a new key from the terminal without echoing it, validates
// it decodes as base64, and writes it into the config file the way
// ppomes-TokenShield/cli/main.go's loginCmd persists a session token.
func rotateKey() error {
	fmt.Print("New tokenshield encryption key (base64): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}

	key := string(raw)
	if _, err := base64.URLEncoding.DecodeString(key); err != nil {
		return fmt.Errorf("key is not valid base64: %w", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".icapd")
		cfgFile = home + "/.icapd.yaml"
	}
	v.ReadInConfig() // ignore a not-found error; we are about to write the file

	v.Set("tokenshield_key", key)

	if err := v.WriteConfigAs(cfgFile); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Chmod(cfgFile, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not restrict permissions on %s: %v\n", cfgFile, err)
	}

	fmt.Printf("Key written to %s; restart icapd to pick it up.\n", cfgFile)
	return nil
}
