package main

import "flag"

// Options holds CLI options for the echo server.
type Options struct {
	ConfigPath string
	Channel    string
	Listen     string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("wirenet-echo", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Channel, "channel", "echo", "Channel name to serve")
	fs.StringVar(&opts.Listen, "listen", "tcp://0.0.0.0:6000", "Listen address (scheme://host:port)")
	_ = fs.Parse(args)
	return opts
}
