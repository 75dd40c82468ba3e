package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/downlink-go/internal/domain"
)

var (
	serverURL   string
	configPath  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:   "downlink",
		Short: "Downlink CLI - local download manager with plugin resolution",
		Long:  `A command-line interface for the downlink control plane: queue URLs, inspect transfers and manage plugins.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", fmt.Sprintf("http://127.0.0.1:%d", domain.DefaultPort), "Server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Server config file, used when auto-starting and by logs")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(itemCommand("pause", "Pause a transferring download"))
	rootCmd.AddCommand(itemCommand("resume", "Resume a paused, failed or canceled download"))
	rootCmd.AddCommand(itemCommand("cancel", "Cancel a download"))
	rootCmd.AddCommand(itemCommand("remove", "Cancel a download and drop it from the list"))
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(pluginsReloadCmd)
	pluginsCmd.AddCommand(pluginsEnableCmd)
	pluginsCmd.AddCommand(pluginsDisableCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Add a download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		name, _ := cmd.Flags().GetString("name")
		dest, _ := cmd.Flags().GetString("dest")
		bypass, _ := cmd.Flags().GetBool("bypass")
		rawHeaders, _ := cmd.Flags().GetStringArray("header")

		headers, err := parseHeaders(rawHeaders)
		if err != nil {
			fail(err)
		}

		payload := map[string]any{"url": args[0]}
		if name != "" {
			payload["fileName"] = name
		}
		if dest != "" {
			payload["destinationPath"] = dest
		}
		if bypass {
			payload["bypassPlugins"] = true
		}
		if len(headers) > 0 {
			payload["headers"] = headers
		}

		var resp struct {
			ID string `json:"id"`
		}
		if err := postJSON("/add", payload, &resp); err != nil {
			fail(err)
		}
		fmt.Printf("Download added: %s\n", resp.ID)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		var items []domain.DownloadView
		if err := getJSON("/downloads", &items); err != nil {
			fail(err)
		}
		items = filterByStatus(items, status)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(items)
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tSPEED\tNAME")
		for _, item := range items {
			size := item.SizeText
			if item.TotalSizeText != "" {
				size += " / " + item.TotalSizeText
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				item.ID[:min(8, len(item.ID))],
				item.StatusText,
				item.ProgressText,
				size,
				item.Speed,
				truncate(item.DisplayName, 50),
			)
		}
		w.Flush()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [url]",
	Short: "Show what a URL resolves to without queueing it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		var resp struct {
			Results []domain.PluginResult `json:"results"`
		}
		if err := postJSON("/resolve", map[string]string{"url": args[0]}, &resp); err != nil {
			fail(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "URL\tFILE\tRESUME")
		for _, r := range resp.Results {
			resume := "-"
			if r.ReprocessOnResume {
				resume = "reprocess"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", truncate(r.URL, 80), r.FileName, resume)
		}
		w.Flush()
	},
}

// itemCommand builds the pause/resume/cancel/remove commands, which share one request shape
func itemCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ensureServer()

			id, err := expandID(args[0])
			if err != nil {
				fail(err)
			}
			if err := postJSON("/"+name, map[string]string{"id": id}, nil); err != nil {
				fail(err)
			}
			fmt.Printf("%s: %s\n", name, id)
		},
	}
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List loaded plugins",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		var plugins []domain.PluginInfo
		if err := getJSON("/plugins", &plugins); err != nil {
			fail(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENABLED\tPATTERNS\tDESCRIPTION")
		for _, p := range plugins {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n",
				p.Manifest.Name,
				p.Enabled,
				truncate(strings.Join(p.Manifest.Patterns, " "), 40),
				truncate(p.Manifest.Description, 50),
			)
		}
		w.Flush()
	},
}

var pluginsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Rescan plugin directories",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		if err := postJSON("/plugins/reload", struct{}{}, nil); err != nil {
			fail(err)
		}
		fmt.Println("Plugins reloaded")
	},
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable a plugin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setPluginEnabled(args[0], true)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable a plugin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setPluginEnabled(args[0], false)
	},
}

func setPluginEnabled(name string, enabled bool) {
	ensureServer()
	if err := postJSON("/plugins/enable", map[string]any{"name": name, "enabled": enabled}, nil); err != nil {
		fail(err)
	}
	fmt.Printf("Plugin %s enabled=%t\n", name, enabled)
}

func init() {
	addCmd.Flags().StringP("name", "n", "", "Override the saved file name")
	addCmd.Flags().StringP("dest", "d", "", "Destination directory")
	addCmd.Flags().BoolP("bypass", "b", false, "Skip plugin resolution")
	addCmd.Flags().StringArrayP("header", "H", nil, "Request header as Key=Value (repeatable)")
	listCmd.Flags().StringP("status", "s", "", "Filter by status")
	listCmd.Flags().BoolP("json", "j", false, "Output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
