// Package templates embeds the files written by setup.
package templates

import "embed"

//go:embed config.yaml seed.yaml
var FS embed.FS
