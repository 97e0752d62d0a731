// Package main provides a tool for preparing the sth file of a
// ct-mirror node before startup.
package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	getopt "github.com/pborman/getopt/v2"

	"sigsum.org/ct-mirror/internal/config"
	"sigsum.org/ct-mirror/internal/state"
	"sigsum.org/ct-mirror/internal/verifier"
)

func ParseFlags(c *config.Config) string {
	mode := "check"
	help := false
	getopt.SetParameters("")
	getopt.FlagLong(&c.STHFile, "sth-file", 0, "file where the latest verified tree head is stored")
	getopt.FlagLong(&c.TargetPublicKey, "target-public-key", 0, "PEM file with the public key of the mirrored log")
	getopt.FlagLong(&mode, "mode", 0, "Mode of operation, 'check' (default, verify the saved file), 'empty' (ignore the saved file on next startup), or 'saved' (use the saved file, which must exist)")
	getopt.FlagLong(&help, "help", '?', "display help")
	getopt.Parse()
	if help {
		getopt.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	return mode
}

func main() {
	log.SetFlags(0)
	var conf *config.Config
	// Read default values from the Config struct
	confFile, err := config.OpenConfigFile()
	if err != nil {
		log.Printf("didn't find configuration file, using defaults: %v", err)
		conf = config.NewConfig()
	} else {
		conf, err = config.LoadConfig(confFile)
		confFile.Close()
		if err != nil {
			log.Fatalf("failed to parse config file: %v", err)
		}
	}

	mode := ParseFlags(conf)
	if conf.STHFile == "" {
		log.Fatalf("no sth file configured")
	}
	sthFile := state.NewSTHFile(conf.STHFile)

	switch mode {
	case "check":
		pem, err := os.ReadFile(conf.TargetPublicKey)
		if err != nil {
			log.Fatalf("reading public key: %v", err)
		}
		v, err := verifier.NewFromPEM(pem)
		if err != nil {
			log.Fatalf("invalid public key: %v", err)
		}
		startup, err := sthFile.Startup()
		if err != nil {
			log.Fatalf("invalid startup file: %v", err)
		}
		sth, err := sthFile.Load(v)
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("no saved tree head in %q, startup mode %v", conf.STHFile, startup)
			return
		}
		if err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("saved tree head %v, startup mode %v", sth, startup)

	case "empty":
		if err := sthFile.WriteStartup(state.StartupEmpty); err != nil {
			log.Fatalf("%v", err)
		}

	case "saved":
		if _, err := os.Stat(conf.STHFile); err != nil {
			log.Fatalf("Signed tree head file %q doesn't exist: %v", conf.STHFile, err)
		}
		if err := sthFile.WriteStartup(state.StartupSaved); err != nil {
			log.Fatalf("%v", err)
		}

	default:
		log.Fatalf("unknown mode %q, must be one of \"check\", \"empty\", or \"saved\"", mode)
	}
}
