// Command optrack tracks backend operations reported over a WebSocket stream
// and keeps the backend's data set refreshed.
//
//	optrack --config config.yaml
//	optrack issues export -o issues.log
//	optrack version -v
package main

import (
	"os"

	"optrack.evalgo.org/cli"
	"optrack.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.WithError(err).Error("optrack failed")
		os.Exit(1)
	}
}
