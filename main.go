// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/petervdpas/ychat/internal/app"
	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/console"
	"github.com/petervdpas/ychat/internal/storage"
	"github.com/petervdpas/ychat/internal/util"
)

var (
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	dataDir   = flag.String("dir", "", "Data directory (default: user config dir/ychat)")
	serverURL = flag.String("server", "", "Backend URL, overrides the config file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ychat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	dir, err := resolveDir(*dataDir)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "run":
		runConsole(dir, "")

	case "open":
		requireArg(command, args, "<chat-id>")
		runConsole(dir, "open "+args[0]+"\n")

	case "setup":
		runSetup(dir)

	case "signin":
		requireArg(command, args, "<username>")
		oneShot(dir, func(ctx context.Context, c *app.Client) error {
			u, err := c.SignIn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Signed in as %s (%s)\n", u.Username, u.ID)
			return nil
		})

	case "signout":
		oneShot(dir, func(_ context.Context, c *app.Client) error {
			return c.SignOut()
		})

	case "chats":
		oneShot(dir, func(ctx context.Context, c *app.Client) error {
			chats, err := c.Chats(ctx)
			if err != nil {
				return err
			}
			for _, ch := range chats {
				line := ch.ChatID
				if ch.Name != ch.DisplayID() {
					line += "  " + ch.Name
				}
				if ch.IsVIP {
					line += "  [vip]"
				}
				fmt.Println(line)
			}
			return nil
		})

	case "create":
		oneShot(dir, func(ctx context.Context, c *app.Client) error {
			if len(args) > 0 {
				ch, err := c.CreateVIPChat(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Created VIP chat %s\n", ch.DisplayID())
				return nil
			}
			ch, err := c.CreateChat(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Created chat %s\n", ch.ChatID)
			return nil
		})

	case "delete":
		requireArg(command, args, "<chat-id>")
		oneShot(dir, func(ctx context.Context, c *app.Client) error {
			return c.DeleteChat(ctx, args[0])
		})

	case "share":
		requireArg(command, args, "<chat-id>")
		oneShot(dir, func(ctx context.Context, c *app.Client) error {
			return c.ShareChat(ctx, args[0])
		})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func resolveDir(arg string) (string, error) {
	if arg == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		arg = filepath.Join(base, "ychat")
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func requireArg(command string, args []string, what string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: %s requires %s\n", command, what)
		fmt.Fprintf(os.Stderr, "Usage: ychat %s %s\n", command, what)
		os.Exit(1)
	}
}

// loadConfig reads (or creates) the config file, applies .env and YCHAT_*
// overrides and the -server flag.
func loadConfig(dir string) (string, config.Config) {
	cfgPath := filepath.Join(dir, config.FileName)
	if err := config.LoadDotEnv(dir); err != nil {
		log.Printf("Ignoring .env: %v", err)
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created default config %s\n", cfgPath)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if *serverURL != "" {
		cfg.Server.URL = util.NormalizeURL(*serverURL)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid -server: %v", err)
		}
	}
	return cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()
	return ctx, cancel
}

func runConsole(dir, preset string) {
	cfgPath, cfg := loadConfig(dir)
	ctx, cancel := signalContext()
	defer cancel()

	var in io.Reader = os.Stdin
	if preset != "" {
		in = io.MultiReader(strings.NewReader(preset), os.Stdin)
	}
	con := console.New(in, os.Stdout)

	if err := app.Run(ctx, app.Options{
		Dir:      dir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		Frontend: con.Run,
	}); err != nil {
		log.Fatalf("ychat failed: %v", err)
	}
}

func runSetup(dir string) {
	cfgPath, cfg := loadConfig(dir)
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, dir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

// oneShot runs fn against a client with the stored user restored.
func oneShot(dir string, fn func(context.Context, *app.Client) error) {
	_, cfg := loadConfig(dir)
	if err := app.SetupLogging(dir, cfg.Log); err != nil {
		log.Fatalf("Logging: %v", err)
	}
	db, err := storage.Open(dir)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	client := app.NewClient(cfg, db, app.Deps{})
	if _, _, err := client.RestoreUser(); err != nil {
		log.Printf("Restore user: %v", err)
	}
	if err := fn(ctx, client); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		db.Close()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("ychat - chat and audio calls from the terminal")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ychat [options] [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                 Interactive console (default)")
	fmt.Println("  open <chat-id>      Interactive console with a chat open")
	fmt.Println("  setup               Edit the config interactively")
	fmt.Println("  signin <username>   Register with the backend and remember the user")
	fmt.Println("  signout             Forget the stored user")
	fmt.Println("  chats               List your chats")
	fmt.Println("  create [vip-id]     Create a chat, or a VIP chat with a chosen id")
	fmt.Println("  delete <chat-id>    Delete a chat")
	fmt.Println("  share <chat-id>     Register a share of a chat")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir <path>     Data directory holding ychat.json and data.db")
	fmt.Println("  -server <url>   Backend URL for this run")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s, %s, %s (also read from <dir>/.env)\n",
		config.EnvServerURL, config.EnvLogLevel, config.EnvMetricsAddr)
}
