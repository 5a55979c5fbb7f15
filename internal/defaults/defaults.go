// Package defaults provides the embedded example configuration for the
// alicia init subcommand.
package defaults

import _ "embed"

//go:embed alicia.example.yaml
var ConfigYAML []byte
