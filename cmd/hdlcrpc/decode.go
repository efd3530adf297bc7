package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"hdlc-rpc/hdlc"
	"hdlc-rpc/packet"
)

func newDecodeCmd(root *rootOptions) *cobra.Command {
	var (
		validOnly  bool
		rpcAddress uint8
	)
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode HDLC frames from a capture (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			decoder := hdlc.NewDecoder(logger)
			out := cmd.OutOrStdout()
			buf := make([]byte, 4096)
			for {
				n, err := in.Read(buf)
				frames := decoder.Frames(buf[:n])
				if validOnly {
					frames = decoder.ValidFrames(buf[:n])
				}
				for frame := range frames {
					printFrame(out, frame, rpcAddress)
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&validOnly, "valid", false, "only print frames that passed the FCS check")
	cmd.Flags().Uint8Var(&rpcAddress, "rpc-address", 'R', "address whose frames hold RPC packets")
	return cmd
}

func printFrame(w io.Writer, frame hdlc.Frame, rpcAddress byte) {
	if !frame.OK() {
		fmt.Fprintf(w, "%-14s discarded=%d raw=%s\n", frame.Status(), frame.Discarded(), hex.EncodeToString(frame.Raw()))
		return
	}
	fmt.Fprintf(w, "%-14s address=%d control=0x%02x data=%s\n",
		frame.Status(), frame.Address(), frame.Control(), hex.EncodeToString(frame.Data()))
	if frame.Address() != rpcAddress {
		return
	}
	if pkt, err := packet.Decode(frame.Data()); err == nil {
		fmt.Fprintf(w, "  %s\n", pkt)
	} else {
		fmt.Fprintf(w, "  not a packet: %v\n", err)
	}
}
