package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve the device integration API", `
Serve the device bridge: SMB connection pool, job queue workers, folder
indexer, mount watchers, and the HTTP API, until signaled to exit
(via SIGTERM). Devices are read from a YAML fleet definition.
`, &cmdServe{})

	device, err := parser.Command.AddCommand("device", "Interact with configured devices", "", &struct{}{})
	Must(err, "failed to add command")

	addCmd(device, "test", "Test connectivity to a device share", `
Open the device's SMB share and read its base directory, reporting
whether the device is reachable with the configured credentials.
`, &cmdDeviceTest{})

	addCmd(device, "browse", "List one directory of a device share", `
List a single directory level of the device's share.
`, &cmdDeviceBrowse{})

	addCmd(device, "scan", "Recursively scan a device share", `
Walk the device's share and report every exported file, bounded by
depth and file-count limits.
`, &cmdDeviceScan{})

	jobs, err := parser.Command.AddCommand("queue", "Inspect and manage the job queue", "", &struct{}{})
	Must(err, "failed to add command")

	addCmd(jobs, "stats", "Show queue depths and worker state", `
Show per-priority queue depths, delayed and dead-letter counts.
`, &cmdQueueStats{})

	addCmd(jobs, "retry-failed", "Requeue all dead-letter jobs", `
Requeue every job on the dead-letter list at its original priority,
with its retry budget restored.
`, &cmdQueueRetryFailed{})

	addCmd(jobs, "clear-failed", "Drop all dead-letter jobs", `
Discard the dead-letter list.
`, &cmdQueueClearFailed{})

	if _, err = parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Stdout.WriteString(flagErr.Message + "\n")
			os.Exit(0)
		}
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	Must(err, "failed to add flags parser command")
	return cmd
}
