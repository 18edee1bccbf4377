// Command mcmdd is the multi-process supervisor daemon: it launches each
// configured child, mediates its console, and exposes the control protocol
// and HTTP status API described in SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	godaemon "github.com/sevlyar/go-daemon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/daemon"
)

const configFileName = "mcmdd.conf"

// CLI mirrors the original getopt surface: -n/-f pick foreground vs
// background, -d changes into the data directory before loading config,
// -u drops privileges before the daemon binds its sockets or spawns children.
type CLI struct {
	Foreground bool   `name:"n" help:"Run in the foreground (default)." xor:"mode"`
	Daemonize  bool   `name:"f" help:"Daemonize into the background." xor:"mode"`
	Dir        string `name:"d" help:"Change to this directory before loading config." type:"path"`
	User       string `name:"u" help:"Drop privileges to this user after startup."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("mcmdd"),
		kong.Description("Supervisor daemon for long-running line-oriented servers."),
		kong.UsageOnError(),
	)

	if cli.Dir != "" {
		if err := os.Chdir(cli.Dir); err != nil {
			fmt.Fprintf(os.Stderr, "mcmdd: chdir %s: %v\n", cli.Dir, err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadFile(configFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcmdd: failed to load %s: %v\n", configFileName, err)
		os.Exit(1)
	}

	if cli.Daemonize {
		cntxt := &godaemon.Context{
			PidFileName: "mcmdd.pid",
			PidFilePerm: 0644,
			LogFileName: "mcmdd.log",
			LogFilePerm: 0640,
			WorkDir:     "./",
			Umask:       027,
		}
		child, err := cntxt.Reborn()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcmdd: daemonize failed: %v\n", err)
			os.Exit(1)
		}
		if child != nil {
			// Parent process: the child has taken over, nothing left to do.
			return
		}
		defer cntxt.Release()
	}

	if cli.User != "" {
		if err := dropPrivileges(cli.User); err != nil {
			fmt.Fprintf(os.Stderr, "mcmdd: failed to drop privileges to %s: %v\n", cli.User, err)
			os.Exit(1)
		}
	}

	log := newLogger(cli.Daemonize)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("failed to construct daemon", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}

	code := d.Run(context.Background())
	log.Sync()
	os.Exit(code)
}

// newLogger matches the teacher's zap setup: a colorized, caller-free
// development config for foreground runs, and a plain production config
// once daemonized (stdout and stderr are both already redirected to
// mcmdd.log by go-daemon at that point; no separate mcmdd.err is written).
func newLogger(daemonized bool) *zap.Logger {
	if daemonized {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		return zap.Must(cfg.Build()).Named("mcmdd")
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	return zap.Must(cfg.Build()).Named("mcmdd")
}
