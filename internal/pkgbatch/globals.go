package pkgbatch

import (
	"runtime"

	"github.com/gookit/color"
)

// MarkerName is the sentinel file dropped into a package tree once its
// install sequence has completed.
const MarkerName = ".pkgbatch-installed"

// EntryPointName is the file that identifies the root of a build tree.
const EntryPointName = "configure"

// ExitRootRefused is returned when the tool is started as root without
// permission and no original user could be found to drop to.
const ExitRootRefused = 200

const defaultPkgConfigPath = "/usr/local/lib/pkgconfig:/usr/local/share/pkgconfig:/usr/lib/pkgconfig:/usr/share/pkgconfig"

var (
	ConfigFile = "/etc/pkgbatch.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH
	Debug      bool
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
