package version

// Version is overwritten at build time with -ldflags "-X github.com/ollama/enforcer/version.Version=..."
var Version string = "0.0.0"
