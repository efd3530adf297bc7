// Command hdlcrpc talks to RPC devices over HDLC-framed links.
//
//	hdlcrpc decode capture.bin          # inspect a raw serial capture
//	hdlcrpc serve --config board.toml   # run the demo echo device
//	hdlcrpc call Echo hello             # call it
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
