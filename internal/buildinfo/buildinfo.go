package buildinfo

// Set via -ldflags at release build time.
var (
    Service = "kenyaship-privacy-core"
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

func Info() map[string]string {
    return map[string]string{
        "service": Service,
        "version": Version,
        "commit":  Commit,
        "builtAt": BuiltAt,
    }
}
