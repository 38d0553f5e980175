// Command spectralnotify runs the progress notification broker.
package main

import "github.com/spectralhq/spectralnotify/cli"

func main() {
	cli.Execute()
}
