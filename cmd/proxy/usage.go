// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/blobkit/blobproxy/cmd/proxy/flags"
	"github.com/urfave/cli/v2"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.Commands}} command [command options]{{end}} {{if .App.ArgsUsage}}{{.App.ArgsUsage}}{{else}}[arguments...]{{end}}
   {{if .App.Version}}
AUTHOR:
   {{range .App.Authors}}{{ . }}{{end}}
   {{end}}{{if .App.Commands}}
GLOBAL OPTIONS:
   {{range .App.Commands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
   {{end}}{{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}{{if .App.Copyright }}
COPYRIGHT:
   {{.App.Copyright}}
VERSION:
   {{.App.Version}}
   {{end}}{{if len .App.Authors}}
   {{end}}
`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "proxy",
		Flags: []cli.Flag{
			flags.HTTPHostFlag,
			flags.HTTPPortFlag,
			flags.RPCURLFlag,
			flags.ChainIDFlag,
			flags.EscrowContractFlag,
			flags.SignerBackendFlag,
			flags.PrivateKeyFlag,
			flags.KMSKeyIDFlag,
			flags.ProxyFeePercentFlag,
			flags.MaxBlobSizeFlag,
			flags.JobTimeoutFlag,
			flags.RequestSigningSecretFlag,
			flags.KZGTrustedSetupPathFlag,
			flags.RedisURLFlag,
		},
	},
	{
		Name: "http",
		Flags: []cli.Flag{
			flags.RateLimitRequestsFlag,
			flags.RateLimitWindowFlag,
			flags.HTTPProxyCountFlag,
			flags.CORSOriginFlag,
		},
	},
	{
		Name: "monitoring",
		Flags: []cli.Flag{
			flags.MonitoringHostFlag,
			flags.MonitoringPortFlag,
			flags.EnableTracingFlag,
			flags.TracingEndpointFlag,
			flags.TraceSampleFractionFlag,
		},
	},
	{
		Name: "log",
		Flags: []cli.Flag{
			flags.LogLevelFlag,
			flags.LogFormatFlag,
			flags.LogFileFlag,
			flags.ConfigFileFlag,
		},
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}
