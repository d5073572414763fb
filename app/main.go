package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/contacts/app/web"
	"github.com/umputun/contacts/app/web/persistence"
)

type options struct {
	Listen  string `short:"l" long:"listen" env:"LISTEN" default:":8080" description:"web server listen address"`
	Secret  string `short:"s" long:"secret" env:"SECRET" required:"true" description:"secret for signing flash cookies"`
	BaseURL string `long:"base-url" env:"BASE_URL" description:"base URL path for reverse proxy (e.g., /contacts)"`

	DB struct {
		Type     string        `long:"type" env:"TYPE" choice:"sqlite" choice:"postgres" default:"sqlite" description:"database engine"`
		DSN      string        `long:"dsn" env:"DSN" default:"contacts.db" description:"sqlite file or postgres connection url"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"initial connection attempts"`
		Delay    time.Duration `long:"delay" env:"DELAY" default:"500ms" description:"initial delay between connection attempts"`
	} `group:"db" namespace:"db" env-namespace:"DB"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"file" env:"FILE" description:"log file, stdout if not set"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before rotation"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var opts options

var revision = "unknown"

func main() {
	fmt.Printf("contacts %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run creates the store and the web server, blocks until ctx canceled
func run(ctx context.Context) error {
	engine, err := persistence.ParseEngine(opts.DB.Type)
	if err != nil {
		return err
	}

	store, err := persistence.New(ctx, persistence.Params{
		Engine:          engine,
		DSN:             opts.DB.DSN,
		ConnectAttempts: opts.DB.Attempts,
		ConnectDelay:    opts.DB.Delay,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s store: %w", engine, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	srv, err := web.New(web.Config{
		Store:   store,
		Secret:  opts.Secret,
		BaseURL: opts.BaseURL,
		Version: revision,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx, opts.Listen)
}

// setupLogs configures lgr and returns the writer logs go to
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return io.Discard
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(out), log.Err(out))
		return out
	}
	log.Setup(log.Msec, log.Out(out), log.Err(out))
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] got %s, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
