package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailterm/internal/addressbook"
	"github.com/nhle/mailterm/internal/cache"
	"github.com/nhle/mailterm/internal/config"
	"github.com/nhle/mailterm/internal/controller"
	"github.com/nhle/mailterm/internal/credential"
	"github.com/nhle/mailterm/internal/export"
	"github.com/nhle/mailterm/internal/imapmgr"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/queue"
	"github.com/nhle/mailterm/internal/search"
	"github.com/nhle/mailterm/internal/smtpmgr"
	"github.com/nhle/mailterm/internal/status"
	"github.com/nhle/mailterm/internal/tui"
	"github.com/nhle/mailterm/internal/wake"
)

func main() {
	app := &cli.App{
		Name:  "mailterm",
		Usage: "terminal email client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "app-dir",
				Usage: "application directory",
				Value: config.DefaultAppDir(),
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "start disconnected",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "enable trace logging",
			},
		},
		Before: setupLogging,
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "export cached mail to a local Maildir",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "destination Maildir root",
						Required: true,
					},
				},
				Action: exportAction,
			},
			{
				Name:  "password",
				Usage: "change the cache encryption password",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "old", Required: true},
					&cli.StringFlag{Name: "new", Required: true},
				},
				Action: passwordAction,
			},
			{
				Name:  "cache",
				Usage: "cache maintenance",
				Subcommands: []*cli.Command{
					{
						Name:   "clear",
						Usage:  "wipe the local mail cache",
						Action: cacheClearAction,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mailterm: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) error {
	switch {
	case c.Bool("trace"):
		log.SetLevel(log.TraceLevel)
	case c.Bool("verbose"):
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}

	appDir := c.String("app-dir")
	if err := os.MkdirAll(appDir, 0o700); err != nil {
		return fmt.Errorf("creating app directory %s: %w", appDir, err)
	}

	// The terminal belongs to the view; logs go to a file.
	logFile, err := os.OpenFile(
		filepath.Join(appDir, "log.txt"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(logFile)

	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	appDir := c.String("app-dir")

	cfg, err := config.Load(filepath.Join(appDir, "mailterm.conf"))
	if err != nil {
		return nil, err
	}
	cfg.AppDir = appDir

	if c.Bool("offline") {
		cfg.Offline = true
	}

	if cfg.Pass == "" && cfg.SavePass {
		cfg.Pass = credential.SavedPassword()
	}

	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := cache.NewStore(
		filepath.Join(cfg.AppDir, "cache"), cfg.CacheEncrypt, cfg.Pass)
	if err != nil {
		return err
	}

	index, err := search.Open(
		filepath.Join(cfg.AppDir, "index"), cfg.CacheEncrypt, cfg.Pass)
	if err != nil {
		return err
	}
	defer index.Close()

	q, err := queue.New(filepath.Join(cfg.AppDir, "queue"))
	if err != nil {
		return err
	}

	book, err := addressbook.Open(cfg.AppDir, cfg.CacheEncrypt, cfg.Pass)
	if err != nil {
		return err
	}
	defer book.Close()

	stat := status.New()
	ctrl := controller.New(cfg, store, q, stat)

	imap := imapmgr.New(cfg, store, index, q, book, stat, imapmgr.Callbacks{
		Response: func(req model.Request, resp model.Response) {
			if req.PrefetchLevel >= model.PrefetchCurrentView {
				ctrl.HandlePrefetchResponse(req, resp)
			} else {
				ctrl.HandleResponse(req, resp)
			}
		},
		Result: ctrl.HandleResult,
		Search: ctrl.HandleSearchResult,
	})

	smtp := smtpmgr.New(cfg, book, stat, ctrl.HandleSMTPResult)
	ctrl.Attach(imap, smtp)

	detector := wake.New(wake.DefaultInterval, imap.ForceWakeup)

	imap.Start()
	smtp.Start()
	detector.Start()
	ctrl.Start()

	program := tea.NewProgram(tui.New(ctrl, stat), tea.WithAltScreen())
	_, runErr := program.Run()

	ctrl.Shutdown()
	detector.Stop()
	smtp.Stop()
	imap.Stop()

	if cfg.SavePass && cfg.Pass != "" {
		if err := credential.StorePassword(cfg.Pass); err != nil {
			log.WithError(err).Warn("persisting password")
		}
	}

	return runErr
}

func exportAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := cache.NewStore(
		filepath.Join(cfg.AppDir, "cache"), cfg.CacheEncrypt, cfg.Pass)
	if err != nil {
		return err
	}

	n, err := export.ToMaildir(store, c.String("dir"))
	if err != nil {
		return err
	}

	fmt.Printf("exported %d messages\n", n)
	return nil
}

func passwordAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if !cfg.CacheEncrypt {
		return fmt.Errorf("cache encryption is disabled")
	}

	oldPass := c.String("old")
	newPass := c.String("new")

	store, err := cache.NewStore(
		filepath.Join(cfg.AppDir, "cache"), true, oldPass)
	if err != nil {
		return err
	}
	if err := store.ChangePass(oldPass, newPass); err != nil {
		return fmt.Errorf("re-keying cache: %w", err)
	}

	if err := search.ChangePass(
		filepath.Join(cfg.AppDir, "index"), oldPass, newPass); err != nil {
		return fmt.Errorf("re-keying index: %w", err)
	}

	if err := addressbook.ChangePass(cfg.AppDir, oldPass, newPass); err != nil {
		return fmt.Errorf("re-keying address book: %w", err)
	}

	if cfg.SavePass {
		if err := credential.StorePassword(newPass); err != nil {
			return fmt.Errorf("persisting new password: %w", err)
		}
	}

	fmt.Println("password changed")
	return nil
}

func cacheClearAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := cache.NewStore(
		filepath.Join(cfg.AppDir, "cache"), cfg.CacheEncrypt, cfg.Pass)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}

	for _, name := range []string{"index", "queue"} {
		if err := os.RemoveAll(filepath.Join(cfg.AppDir, name)); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}

	fmt.Println("cache cleared")
	return nil
}
