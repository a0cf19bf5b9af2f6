package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/presencerelay/pkg/client"
	"github.com/NicolasHaas/presencerelay/pkg/logging"
	"github.com/NicolasHaas/presencerelay/pkg/version"
	"github.com/NicolasHaas/presencerelay/ui"
)

type options struct {
	username      string
	displayName   string
	tls           bool
	insecure      bool
	downloadDir   string
	noColor       bool
	logLevel      string
	settingsPath  string
	bookmarksPath string
	save          string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "relay-client <address|bookmark>",
		Short: "Terminal client for the presence relay",
		Long: `relay-client logs in to a relay server and lets you chat, share files and
manage groups from the terminal. The address is host[:port] (default port
4105), or a ws:// / wss:// URL. A saved bookmark name may be used instead.`,
		Example: `  relay-client 192.168.1.10 -u alice -n Alice
  relay-client relay.lan:5000 -u alice --tls --insecure --save office
  relay-client office
  relay-client ws://relay.lan:8080/ws -u bob`,
		Args:          cobra.ExactArgs(1),
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&opts.username, "username", "u", "", "username to log in as")
	f.StringVarP(&opts.displayName, "display-name", "n", "", "display name shown to others")
	f.BoolVar(&opts.tls, "tls", false, "connect over TLS")
	f.BoolVar(&opts.insecure, "insecure", false, "accept a self-signed server certificate")
	f.StringVar(&opts.downloadDir, "download-dir", "", "directory for received files")
	f.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: "+logging.LevelNames())
	f.StringVar(&opts.settingsPath, "settings", defaultSettingsPath(), "settings file")
	f.StringVar(&opts.bookmarksPath, "bookmarks", client.DefaultBookmarkPath(), "bookmarks file")
	f.StringVar(&opts.save, "save", "", "save this connection as a bookmark with the given name")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgHiRed).Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, target string, opts options) error {
	settings := client.LoadSettings(opts.settingsPath)
	changed := cmd.Flags().Changed
	if changed("download-dir") {
		settings.DownloadDir = opts.downloadDir
	}
	if changed("log-level") {
		settings.LogLevel = opts.logLevel
	}
	if opts.noColor || settings.NoColor {
		color.NoColor = true
	}

	logger, err := logging.Setup(logging.FromEnv(logging.Options{
		Level:  settings.LogLevel,
		Output: os.Stderr,
	}))
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	bookmarks := client.NewBookmarkStore(opts.bookmarksPath)
	if err := bookmarks.Load(); err != nil {
		logger.Warn("could not load bookmarks", "path", bookmarks.Path(), "err", err)
	}

	bm := resolveTarget(bookmarks, target, opts, changed)
	if bm.Username == "" {
		return errors.New("--username is required")
	}
	if bm.DisplayName == "" {
		bm.DisplayName = settings.DisplayName
	}
	addr, err := ui.NormalizeAddr(bm.Addr)
	if err != nil {
		return err
	}
	bm.Addr = addr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, addr, client.Options{
		TLS:                bm.TLS,
		InsecureSkipVerify: opts.insecure,
		Logger:             logger,
	})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	term := ui.New(cmd.OutOrStdout(), c, settings.DownloadDir)
	c.SetHandler(term.Handler())
	c.StartReceiving()
	if err := c.Login(bm.Username, bm.DisplayName); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s\n",
		color.New(color.Bold, color.FgHiCyan).Sprint(addr), color.New(color.Bold).Sprint(bm.Username))

	if bm.Name != "" {
		bookmarks.Add(bm)
		bookmarks.Touch(bm.Name, time.Now().Unix())
		if err := bookmarks.Save(); err != nil {
			logger.Warn("could not save bookmarks", "path", bookmarks.Path(), "err", err)
		}
	}

	if err := term.Run(ctx, cmd.InOrStdin(), c.Done()); err != nil {
		if cerr := c.Err(); cerr != nil {
			return fmt.Errorf("%w: %w", err, cerr)
		}
		return err
	}
	return nil
}

// resolveTarget turns the positional argument into a bookmark. A known
// bookmark name supplies defaults that command-line flags override. The
// returned bookmark has a Name only when it should be saved or touched.
func resolveTarget(store *client.BookmarkStore, target string, opts options, changed func(string) bool) client.Bookmark {
	var bm client.Bookmark
	if found := store.Find(target); found != nil {
		bm = *found
	} else {
		bm = client.Bookmark{Addr: target}
	}
	if changed("username") || bm.Username == "" {
		bm.Username = opts.username
	}
	if changed("display-name") || bm.DisplayName == "" {
		bm.DisplayName = opts.displayName
	}
	if changed("tls") {
		bm.TLS = opts.tls
	}
	if opts.save != "" {
		bm.Name = opts.save
	}
	return bm
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "relay-settings.yaml"
	}
	return filepath.Join(dir, "relay", "settings.yaml")
}
