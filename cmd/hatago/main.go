// Command hatago runs the gateway.
package main

import "github.com/hatago/gateway/internal/cli"

func main() {
	cli.Execute()
}
