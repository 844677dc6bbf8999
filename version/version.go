package version

import "github.com/posit-dev/amalthea-go/internal/version"

//go:generate bash -c "printf 'package version\nvar GitTag = \"%s\"\n' \"$(git describe --tags --abbrev=0)\" > gittag.go"

// AppVersion contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var AppVersion = version.AppVersion(GitTag, "$Format:%(describe)$", "$Format:%H$")
