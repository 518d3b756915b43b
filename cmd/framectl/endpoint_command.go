package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/frameflow/transport"
	_ "github.com/drblury/frameflow/transport/brokers"
	_ "github.com/drblury/frameflow/transport/datagram"
	_ "github.com/drblury/frameflow/transport/memory"
	_ "github.com/drblury/frameflow/transport/zmq"
)

func newEndpointCommand() *cobra.Command {
	endpointCmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Socket URI utilities",
	}
	endpointCmd.AddCommand(newEndpointParseCommand())
	endpointCmd.AddCommand(newEndpointSchemesCommand())
	return endpointCmd
}

func newEndpointParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <uri>",
		Short: "Parse a socket URI and show what the driver supports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := transport.ParseEndpoint(args[0])
			if err != nil {
				return err
			}
			mode := "connect"
			if ep.Bind {
				mode = "bind"
			}
			caps := transport.GetCapabilities(ep.Scheme)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "endpoint\t%s\n", ep)
			fmt.Fprintf(w, "socket\t%s\n", ep.Socket)
			fmt.Fprintf(w, "pattern\t%s\n", ep.Socket.Kind())
			fmt.Fprintf(w, "mode\t%s\n", mode)
			fmt.Fprintf(w, "scheme\t%s\n", ep.Scheme)
			fmt.Fprintf(w, "address\t%s\n", ep.Address)
			if ep.Source != "" {
				fmt.Fprintf(w, "source\t%s\n", ep.Source)
			}
			fmt.Fprintf(w, "registered\t%t\n", transport.DefaultRegistry.Has(ep.Scheme))
			fmt.Fprintf(w, "supported\t%t\n", caps.Supports(ep.Socket.Kind()))
			return w.Flush()
		},
	}
}

func newEndpointSchemesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schemes",
		Short: "List the registered transport schemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range transport.DefaultRegistry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
