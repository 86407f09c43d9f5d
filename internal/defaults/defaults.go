// Package defaults provides embedded copies of the default
// configuration and seed files for the epos init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed seed.example.txt
var SeedTXT []byte
