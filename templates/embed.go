// Package templates embeds the default configuration and example batch
// written by dronebatch init.
package templates

import "embed"

//go:embed config.yaml example_batch.yaml
var FS embed.FS
