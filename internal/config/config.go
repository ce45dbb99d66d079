// Package config loads and validates lognotd's INI configuration. The INI
// tokenizer itself is gopkg.in/ini.v1; this package only consumes the
// already-parsed section/key/value map it hands back, then applies defaults
// and validates the result in a separate pass so one load reports every
// problem in the file, not just the first.
//
// The [general] section holds process-wide settings and per-rule defaults;
// every other section defines one monitoring rule. Any recognized option is
// accepted in any section, and a rule section's value overrides the
// [general] value, which overrides the built-in default.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/lognot/lognotd/internal/monitor"
	"github.com/lognot/lognotd/internal/source"
)

// ErrValidation wraps every error produced by validation, so callers can
// tell a malformed configuration apart from an I/O failure with errors.Is.
var ErrValidation = errors.New("config: validation failed")

// generalSection is the name of the section holding process-wide settings
// and per-rule defaults.
const generalSection = "general"

// General holds the [general] section's process-wide settings.
type General struct {
	TmpDir       string
	LogFacility  string
	LogFile      string
	UID          int
	GID          int
	AThreadCount int

	// StatusAddr and StatusAuthToken configure the local introspection
	// endpoint; an empty StatusAddr disables it entirely.
	StatusAddr      string
	StatusAuthToken string
}

// Rule is one parsed, but not yet compiled-into-monitor.Rule, configuration
// section. It stays a plain data holder so validation can report every
// problem in the file at once without partially constructing engine objects.
type Rule struct {
	Name string

	Pattern *regexp.Regexp

	FileType  source.Kind
	Path      string
	Separator string

	UpFreq   monitor.Freq
	DownFreq monitor.Freq

	UpAction   string
	DownAction string

	SizeBytes  uint64
	SizeAction string

	UseCRC bool
}

// Config is a fully parsed and validated lognotd configuration.
type Config struct {
	General General
	Rules   []Rule
}

// validKeys is the single set of recognized option names. Options are valid
// in any section; a key outside this set is a load error wherever it
// appears.
var validKeys = map[string]bool{
	"tmpdir":            true,
	"logfacility":       true,
	"logfile":           true,
	"uid":               true,
	"gid":               true,
	"athread_count":     true,
	"status_addr":       true,
	"status_auth_token": true,

	"regex":            true,
	"file_type":        true,
	"path":             true,
	"separator":        true,
	"upbound_freq":     true,
	"downbound_freq":   true,
	"upbound_action":   true,
	"downbound_action": true,
	"size":             true,
	"size_action":      true,
	"usecrc":           true,
}

// ruleDefaults maps each rule-scoped option to its built-in default, used
// when neither the rule section nor [general] sets it.
var ruleDefaults = map[string]string{
	"regex":            "/.*/",
	"file_type":        "file",
	"separator":        `\n`,
	"upbound_freq":     "0/1",
	"downbound_freq":   "0/1",
	"upbound_action":   "",
	"downbound_action": "",
	"size":             "0",
	"size_action":      "",
	"usecrc":           "no",
}

// Load reads, validates, and returns the configuration at path. Every
// problem found is collected and returned together via errors.Join.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	errs := checkDuplicateSections(data)

	for _, sec := range f.Sections() {
		for _, k := range sec.Keys() {
			if !validKeys[k.Name()] {
				name := sec.Name()
				if name == ini.DefaultSection {
					name = generalSection
				}
				errs = append(errs, fmt.Errorf("%w: section %q: unrecognized key %q", ErrValidation, name, k.Name()))
			}
		}
	}

	gs := f.Section(generalSection)
	gen := General{
		TmpDir:          gs.Key("tmpdir").MustString("/tmp"),
		LogFacility:     gs.Key("logfacility").MustString("stdout"),
		LogFile:         gs.Key("logfile").String(),
		UID:             gs.Key("uid").MustInt(0),
		GID:             gs.Key("gid").MustInt(0),
		AThreadCount:    gs.Key("athread_count").MustInt(2),
		StatusAddr:      gs.Key("status_addr").String(),
		StatusAuthToken: gs.Key("status_auth_token").String(),
	}
	if gen.AThreadCount < 1 {
		errs = append(errs, fmt.Errorf("%w: section %q: athread_count must be >= 1", ErrValidation, generalSection))
	}
	switch gen.LogFacility {
	case "file", "stdout", "system":
	default:
		errs = append(errs, fmt.Errorf("%w: section %q: logfacility %q must be one of file, stdout, system", ErrValidation, generalSection, gen.LogFacility))
	}
	if gen.LogFacility == "file" && gen.LogFile == "" {
		errs = append(errs, fmt.Errorf("%w: section %q: logfile is required when logfacility=file", ErrValidation, generalSection))
	}

	var rules []Rule
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection || sec.Name() == generalSection {
			continue
		}
		r, ruleErrs := parseRule(sec, gs)
		errs = append(errs, ruleErrs...)
		rules = append(rules, r)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %q: %w", path, errors.Join(errs...))
	}

	return &Config{General: gen, Rules: rules}, nil
}

// checkDuplicateSections scans the raw file for repeated section headers.
// Rule names must be unique within a configuration, but the INI parser
// silently merges duplicate sections into one before Load's section loop
// ever sees them, so the headers have to be counted before parsing.
func checkDuplicateSections(data []byte) []error {
	var errs []error
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 2 || line[0] != '[' {
			continue
		}
		end := strings.IndexByte(line, ']')
		if end < 0 {
			continue
		}
		name := strings.TrimSpace(line[1:end])
		if seen[name] {
			errs = append(errs, fmt.Errorf("%w: rule name %q already in use", ErrValidation, name))
			continue
		}
		seen[name] = true
	}
	return errs
}

// lookup resolves a rule option: the rule section's value if set, else the
// [general] value, else the built-in default.
func lookup(sec, gs *ini.Section, name string) string {
	if sec.HasKey(name) {
		return sec.Key(name).String()
	}
	if gs.HasKey(name) {
		return gs.Key(name).String()
	}
	return ruleDefaults[name]
}

func parseRule(sec, gs *ini.Section) (Rule, []error) {
	var errs []error
	r := Rule{Name: sec.Name()}

	regexStr := lookup(sec, gs, "regex")
	pattern, err := compilePattern(regexStr)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: section %q: regex %q: %v", ErrValidation, sec.Name(), regexStr, err))
	}
	r.Pattern = pattern

	fileType := lookup(sec, gs, "file_type")
	switch fileType {
	case "file":
		r.FileType = source.KindFile
	case "fifo":
		r.FileType = source.KindFIFO
	case "usock":
		r.FileType = source.KindSocket
	default:
		errs = append(errs, fmt.Errorf("%w: section %q: file_type %q must be one of file, fifo, usock", ErrValidation, sec.Name(), fileType))
	}

	r.Path = lookup(sec, gs, "path")
	if r.Path == "" {
		errs = append(errs, fmt.Errorf("%w: section %q: path is required", ErrValidation, sec.Name()))
	}

	r.Separator = lookup(sec, gs, "separator")

	upFreqStr := lookup(sec, gs, "upbound_freq")
	if f, err := monitor.ParseFreq(upFreqStr); err != nil {
		errs = append(errs, fmt.Errorf("%w: section %q: upbound_freq: %v", ErrValidation, sec.Name(), err))
	} else {
		r.UpFreq = f
	}

	downFreqStr := lookup(sec, gs, "downbound_freq")
	if f, err := monitor.ParseFreq(downFreqStr); err != nil {
		errs = append(errs, fmt.Errorf("%w: section %q: downbound_freq: %v", ErrValidation, sec.Name(), err))
	} else {
		r.DownFreq = f
	}

	r.UpAction = lookup(sec, gs, "upbound_action")
	r.DownAction = lookup(sec, gs, "downbound_action")

	sizeStr := lookup(sec, gs, "size")
	sz, err := parseSize(sizeStr)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: section %q: size %q: %v", ErrValidation, sec.Name(), sizeStr, err))
	}
	r.SizeBytes = sz
	r.SizeAction = lookup(sec, gs, "size_action")

	r.UseCRC = parseFlag(lookup(sec, gs, "usecrc"))

	return r, errs
}

// compilePattern strips an optional enclosing "/" delimiter pair (the
// default "/.*/" and regex-literal-style rule patterns carry them) before
// handing the body to regexp.Compile.
func compilePattern(s string) (*regexp.Regexp, error) {
	body := s
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		body = s[1 : len(s)-1]
	}
	return regexp.Compile(body)
}

// parseFlag parses a boolean option value: "yes" or "true"
// (case-insensitive) enable it, as does any non-zero numeric value.
func parseFlag(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) > 1 {
		if strings.EqualFold(s, "yes") || strings.EqualFold(s, "true") {
			return true
		}
	}
	n, err := strconv.Atoi(s)
	return err == nil && n != 0
}

// parseSize parses a byte-size value: a decimal number with an optional
// suffix. K scales by 2^10 and M by 2^20; G scales by 2^40 on 64-bit
// builds, one step past the usual binary gigabyte. B (or no suffix) means
// bytes.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size: no leading number in %q", s)
	}
	n, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}

	switch strings.ToUpper(strings.TrimSpace(s[i:])) {
	case "", "B":
		return n, nil
	case "K":
		return n << 10, nil
	case "M":
		return n << 20, nil
	case "G":
		return n << 40, nil
	default:
		return 0, fmt.Errorf("invalid size: unknown suffix %q in %q", s[i:], s)
	}
}
