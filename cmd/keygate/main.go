// Keygate is an AI API gateway: callers prove their identity with a JWT, an
// HMAC signature or a Google IAP assertion, and the gateway forwards their
// chat, image and speech calls to the vendor configured for their product.
package main

import (
	"flag"
	"fmt"
	"os"

	_ "time/tzdata" // rate_limits.timezone must resolve in minimal images
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/keygate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("keygate", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
