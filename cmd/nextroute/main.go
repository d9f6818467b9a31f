/*
This command provides an executable version of the router.

For the list of command line options, run:

    nextroute -help

For details about embedding the router into an existing server, see the
documentation of the root nextroute package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/edgekit/nextroute"
	"github.com/edgekit/nextroute/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.Fatal(nextroute.Run(cfg.ToOptions()))
}
