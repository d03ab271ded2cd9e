package discovery

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"
)

// FileOptions configures seed file discovery.
type FileOptions struct {
    // Path is a seed file, or a glob matching several. Lines hold one or
    // more comma-separated seeds; '#' starts a comment line.
    Path string
    // Env names an environment variable that, when set, replaces the file.
    Env string
    // Refresh bounds how long a read is cached; defaults to 5s.
    Refresh time.Duration
}

type fileSource struct {
    opts FileOptions

    mu    sync.Mutex
    read  time.Time
    mtime time.Time
    cache []string
}

func File(opts FileOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &fileSource{opts: opts}
}

func (f *fileSource) Seeds() []string {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(f.opts.Env)); v != "" {
            return normalize(strings.Split(v, ","), true)
        }
    }
    if f.opts.Path == "" { return nil }

    now := time.Now()
    if st, err := os.Stat(f.opts.Path); err == nil {
        if st.ModTime().After(f.mtime) || now.Sub(f.read) >= f.opts.Refresh {
            f.cache, f.read, f.mtime = readSeeds(f.opts.Path), now, st.ModTime()
        }
        return append([]string(nil), f.cache...)
    }
    if now.Sub(f.read) < f.opts.Refresh && f.cache != nil {
        return append([]string(nil), f.cache...)
    }
    matches, _ := filepath.Glob(f.opts.Path)
    var all []string
    for _, m := range matches { all = append(all, readSeeds(m)...) }
    if len(matches) > 0 {
        f.cache, f.read = normalize(all, true), now
    }
    return append([]string(nil), f.cache...)
}

func readSeeds(path string) []string {
    fh, err := os.Open(path)
    if err != nil { return nil }
    defer fh.Close()
    var seeds []string
    sc := bufio.NewScanner(fh)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if sc.Err() != nil { return nil }
    return normalize(seeds, true)
}
