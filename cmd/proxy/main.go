// Package main defines the blob proxy server: a service that accepts signed
// blob payloads from users who have escrowed payment on chain, lands them as
// EIP-4844 blob transactions, and settles the escrow afterwards.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/blobkit/blobproxy/cmd/proxy/flags"
	"github.com/blobkit/blobproxy/io/logs"
	"github.com/blobkit/blobproxy/monitoring/tracing"
	"github.com/blobkit/blobproxy/proxy/node"
	"github.com/blobkit/blobproxy/runtime/version"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startProxy(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(flags.LogLevelFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	cfg, err := flags.BuildConfig(cliCtx)
	if err != nil {
		return err
	}
	if err := tracing.Setup(
		"blob-proxy",
		cliCtx.String(flags.TracingEndpointFlag.Name),
		cliCtx.Float64(flags.TraceSampleFractionFlag.Name),
		cliCtx.Bool(flags.EnableTracingFlag.Name),
	); err != nil {
		return err
	}

	n, err := node.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	os.Exit(n.Start())
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "blob-proxy"
	app.Usage = "submits EIP-4844 blob transactions on behalf of users with escrowed payment"
	app.Version = version.GetVersion()
	app.Flags = flags.WrapFlags(flags.Flags)
	app.Action = startProxy
	app.Before = func(ctx *cli.Context) error {
		// Load any flags from file, if specified.
		if ctx.IsSet(flags.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				flags.Flags,
				altsrc.NewYamlSourceFromFlagFunc(
					flags.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}

		format := ctx.String(flags.LogFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as Gibberish in the log files.
			formatter.DisableColors = ctx.String(flags.LogFileFlag.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		logFileName := ctx.String(flags.LogFileFlag.Name)
		if logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configure logging to disk.")
			}
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
