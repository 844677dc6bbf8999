package version

// GitTag is overwritten by `go generate` with the latest annotated tag
// before a release build; "dev" is what a local checkout gets.
var GitTag = "dev"
