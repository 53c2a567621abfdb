package config

import "flag"

// Flags are the command-line switches of balancewatch.
type Flags struct {
	ConfigPath string
	Setup      bool
	Debug      bool
}

// ParseFlags parses os.Args into Flags.
func ParseFlags() Flags {
	path := flag.String("config", "config.yaml", "path to yaml config")
	setup := flag.Bool("setup", false, "run the interactive wallet setup and write config.gen.yaml")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	return Flags{ConfigPath: *path, Setup: *setup, Debug: *debug}
}
