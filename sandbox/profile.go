package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/isdmx/scriptorium/config"
)

// Placeholders recognised in command templates and environment values.
const (
	PlaceholderSource = "{source}"
	PlaceholderDir    = "{dir}"
	PlaceholderBinary = "{binary}"
	PlaceholderName   = "{name}"
)

const defaultFileName = "main"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Profile describes how one language is staged, built and run.
// Profiles are read-only once the registry is built.
type Profile struct {
	Language        string
	DisplayName     string
	Extension       string
	FileName        string
	FileNamePattern *regexp.Regexp
	Compile         []string
	Run             []string
	Image           string
	Env             map[string]string
	CompileTimeout  time.Duration
}

// HasCompile reports whether the profile has a separate build phase.
func (p Profile) HasCompile() bool {
	return len(p.Compile) > 0
}

// Paths are the locations a command template is expanded against. Container
// backends pass guest paths, the process backend passes host paths.
type Paths struct {
	Dir    string
	Source string
	Binary string
	Name   string
}

func (p Paths) replacer() *strings.Replacer {
	return strings.NewReplacer(
		PlaceholderSource, p.Source,
		PlaceholderDir, p.Dir,
		PlaceholderBinary, p.Binary,
		PlaceholderName, p.Name,
	)
}

// Argv returns the expanded argument vector for the given phase, or nil when
// the profile has no such phase.
func (p Profile) Argv(kind PhaseKind, paths Paths) []string {
	var tmpl []string
	switch kind {
	case PhaseCompile:
		tmpl = p.Compile
	case PhaseRun:
		tmpl = p.Run
	}
	if len(tmpl) == 0 {
		return nil
	}

	r := paths.replacer()
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		argv[i] = r.Replace(arg)
	}
	return argv
}

// Environ returns the profile environment as sorted KEY=VALUE pairs.
func (p Profile) Environ(paths Paths) []string {
	if len(p.Env) == 0 {
		return nil
	}

	r := paths.replacer()
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+r.Replace(v))
	}
	sort.Strings(env)
	return env
}

// resolveName picks the base file name for source. A name captured by
// FileNamePattern wins when it is a plain identifier.
func (p Profile) resolveName(source string) string {
	if p.FileNamePattern != nil {
		if m := p.FileNamePattern.FindStringSubmatch(source); len(m) > 1 && identifierPattern.MatchString(m[1]) {
			return m[1]
		}
	}
	if p.FileName != "" {
		return p.FileName
	}
	return defaultFileName
}

// LanguageInfo is the public description of a supported language.
type LanguageInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Compiled    bool   `json:"compiled"`
}

// Registry maps language identifiers to profiles. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	profiles map[string]Profile
	names    []string
}

// NewRegistry builds a registry from the language table. Disabled languages
// are skipped. defaultCompileTimeout applies to profiles without their own.
func NewRegistry(languages map[string]config.Language, defaultCompileTimeout time.Duration) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(languages))}

	for name, lang := range languages {
		if lang.Disabled {
			continue
		}
		key := normalizeLanguage(name)
		if len(lang.RunCmd) == 0 {
			return nil, fmt.Errorf("language %s: run command is required", key)
		}

		p := Profile{
			Language:       key,
			DisplayName:    lang.DisplayName,
			Extension:      lang.Extension,
			FileName:       lang.FileName,
			Compile:        append([]string(nil), lang.CompileCmd...),
			Run:            append([]string(nil), lang.RunCmd...),
			Image:          lang.Image,
			CompileTimeout: defaultCompileTimeout,
		}
		if p.DisplayName == "" {
			p.DisplayName = key
		}
		if lang.CompileTimeoutSec > 0 {
			p.CompileTimeout = time.Duration(lang.CompileTimeoutSec) * time.Second
		}
		if lang.FileNamePattern != "" {
			re, err := regexp.Compile(lang.FileNamePattern)
			if err != nil {
				return nil, fmt.Errorf("language %s: invalid file name pattern: %w", key, err)
			}
			p.FileNamePattern = re
		}
		if len(lang.Environment) > 0 {
			p.Env = make(map[string]string, len(lang.Environment))
			for k, v := range lang.Environment {
				p.Env[k] = v
			}
		}

		r.profiles[key] = p
		r.names = append(r.names, key)
	}
	sort.Strings(r.names)

	return r, nil
}

// NewRegistryFromConfig builds the registry from the application config.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	return NewRegistry(cfg.Languages, cfg.GetCompileTimeout())
}

// Lookup returns the profile for language.
func (r *Registry) Lookup(language string) (Profile, error) {
	p, ok := r.profiles[normalizeLanguage(language)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return p, nil
}

// Languages lists the supported languages sorted by identifier.
func (r *Registry) Languages() []LanguageInfo {
	out := make([]LanguageInfo, 0, len(r.names))
	for _, name := range r.names {
		p := r.profiles[name]
		out = append(out, LanguageInfo{
			Name:        name,
			DisplayName: p.DisplayName,
			Compiled:    p.HasCompile(),
		})
	}
	return out
}

// Images returns the distinct container images referenced by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, name := range r.names {
		img := r.profiles[name].Image
		if img != "" && !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	return images
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
