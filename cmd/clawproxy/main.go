package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	. "github.com/roelfdiedericks/clawproxy/internal/logging"
	"github.com/roelfdiedericks/clawproxy/internal/proxy"
)

const version = "0.1.0"

type cli struct {
	Host       string   `help:"Listen address." default:"127.0.0.1"`
	Port       int      `help:"Listen port." default:"8080"`
	Token      string   `help:"Bearer token clients must present. Resolved from CLAWPROXY_TOKEN or generated if omitted."`
	Tunnel     string   `help:"Expose the gateway: none, ngrok, cloudflare, ssh." default:"none"`
	TunnelPort int      `help:"Remote port for the ssh tunnel instructions." default:"8080"`
	Cwd        string   `help:"Force all sessions into this working directory." type:"path"`
	AllowedCwd []string `name:"allowed-cwd-paths" help:"Whitelist of directories clients may request as cwd."`
	Model      string   `help:"Default model for sessions that don't pick one."`
	EngineCli  string   `name:"engine-cli-path" help:"Path to the engine CLI binary." default:"claude"`
	ConfigFile string   `name:"config" help:"Config file path." type:"path"`
	LogLevel   string   `name:"log-level" help:"trace, debug, info, warn, error." default:"info"`
	Version    bool     `help:"Print version and exit."`
}

func main() {
	var args cli
	kong.Parse(&args,
		kong.Name("clawproxy"),
		kong.Description("Streaming gateway that exposes a local agent engine to remote clients."))

	if args.Version {
		fmt.Printf("clawproxy %s\n", version)
		return
	}

	Init(&Config{
		Level:      ParseLevel(args.LogLevel),
		ShowCaller: true,
	})

	L_info("clawproxy %s starting", version)

	cfg, err := loadConfig(args)
	if err != nil {
		L_fatal("config: %v", err)
	}

	eng := &engine.CLIEngine{Path: cfg.EngineCLIPath}
	srv := proxy.New(cfg, eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Startup(ctx); err != nil {
		L_fatal("startup: %v", err)
	}

	srv.Start()
	printBanner(cfg, srv)

	<-ctx.Done()
	L_info("shutting down")
	srv.Stop()
}

// loadConfig layers flags over the config file over built-in defaults.
func loadConfig(args cli) (proxy.Config, error) {
	cfg := proxy.DefaultConfig()

	path := args.ConfigFile
	if path == "" {
		path = proxy.DefaultConfigPath()
	}
	if err := proxy.LoadFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Version = version

	if args.Host != "" {
		cfg.Host = args.Host
	}
	if args.Port != 0 {
		cfg.Port = args.Port
	}
	if args.Cwd != "" {
		cfg.CWD = args.Cwd
	}
	if len(args.AllowedCwd) > 0 {
		cfg.AllowedCWDPaths = args.AllowedCwd
	}
	if args.Model != "" {
		cfg.Defaults.Model = args.Model
	}
	if args.EngineCli != "" {
		cfg.EngineCLIPath = args.EngineCli
	}

	mode, err := proxy.ParseTunnelMode(args.Tunnel)
	if err != nil {
		return cfg, err
	}
	cfg.TunnelMode = mode
	if args.TunnelPort != 0 {
		cfg.TunnelPort = args.TunnelPort
	}

	token, generated := proxy.ResolveToken(args.Token)
	cfg.Token = token
	if generated {
		L_warn("no token supplied; generated one for this run")
		L_warn("persist it with: echo '%s=%s' >> .env", proxy.TokenEnvVar, token)
	}

	return cfg, nil
}

func printBanner(cfg proxy.Config, srv *proxy.Server) {
	local := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	L_info("gateway listening", "url", local, "engine", srv.EngineVersion())
	if url := srv.TunnelURL(); url != "" {
		L_info("gateway public URL", "url", url)
		local = url
	}
	L_info("auth token: %s", cfg.Token)
	L_info("try: curl -H 'Authorization: Bearer %s' %s/health", cfg.Token, local)
}
