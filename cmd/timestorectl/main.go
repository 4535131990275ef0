// timestorectl inspects and maintains a timestore collection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage"
	"github.com/xtxerr/timestore/internal/storage/codec"
	"github.com/xtxerr/timestore/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "timestore.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	name := flag.String("collection", "default", "collection name")
	codecName := flag.String("codec", "bytes", "value codec: "+strings.Join(codecNames, ", "))
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	flag.Usage = usage
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Debug("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			fatal("load config", err)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	// One-shot commands leave rollups to explicit requests.
	var opts []storage.Option
	if args[0] != "shell" {
		opts = append(opts, storage.WithoutBackground())
	}

	valueCodec, err := newCodec(*codecName)
	if err != nil {
		fatal("select codec", err)
	}

	col, err := storage.Open(cfg, *name, valueCodec, opts...)
	if err != nil {
		fatal("open collection", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newCLI(cfg, col, os.Stdout)
	c.interrupt = func() {
		if err := col.Close(); err != nil {
			logging.Error("close collection", "error", err)
		}
		os.Exit(130)
	}

	if args[0] == "shell" {
		err = c.shell(ctx, os.Stdin)
	} else {
		err = c.exec(ctx, args)
	}

	if cerr := col.Close(); cerr != nil {
		logging.Error("close collection", "error", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "timestorectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "timestorectl %s\n\nUsage: timestorectl [flags] command [args]\n\nCommands:\n", Version)
	c := &cli{out: os.Stderr}
	c.help(context.Background(), nil)
	fmt.Fprintf(os.Stderr, "  shell\tinteractive prompt over the commands above\n\nFlags:\n")
	flag.PrintDefaults()
}

var codecNames = []string{"bytes", "msgpack", "snappy", "msgpack+snappy"}

// newCodec returns the value codec a collection was written with. Values
// are shown as the bytes the codec decodes to.
func newCodec(name string) (codec.Codec[[]byte], error) {
	switch name {
	case "bytes":
		return codec.Bytes{}, nil
	case "msgpack":
		return codec.Msgpack[[]byte]{}, nil
	case "snappy":
		return codec.NewSnappy[[]byte](codec.Bytes{}), nil
	case "msgpack+snappy":
		return codec.NewSnappy[[]byte](codec.Msgpack[[]byte]{}), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want one of %s)", name, strings.Join(codecNames, ", "))
	}
}

func fatal(msg string, err error) {
	logging.Error(msg, "error", err)
	fmt.Fprintf(os.Stderr, "timestorectl: %s: %v\n", msg, err)
	os.Exit(1)
}
