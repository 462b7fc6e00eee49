// Command quotaguard runs the rate limiting and abuse detection service.
package main

import "github.com/quotaguard/quotaguard/cmd/quotaguard/cmd"

func main() {
	cmd.Execute()
}
