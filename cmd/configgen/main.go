package main

import (
	"log"

	"github.com/danmuck/edgerpc/internal/config"
	flag "github.com/spf13/pflag"
)

const defaultPath = "cmd/edgerpcd/config.toml"

func main() {
	output := flag.StringP("output", "o", defaultPath, "output path for the config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.StringP("input", "i", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite an existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.Load(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated edgerpcd config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote edgerpcd config template to %s", *output)
}
