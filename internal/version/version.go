package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version  = "0.1.0"
	Revision = "dev"
)

func Detailed() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}
