package contactsdb

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// DisplayLabelGroupGenerator is the plugin contract of spec §6. Go has no
// portable equivalent of the original's dynamically loaded shared-object
// plugins, so generators are described by a TOML manifest under the
// watched plugin directory instead of compiled code; manifests are
// resolved into this interface by manifestGenerator.
type DisplayLabelGroupGenerator interface {
	Name() string
	Priority() int
	ValidForLocale(locale string) bool
	PreferredForLocale(locale string) bool
	DisplayLabelGroups() []string
	DisplayLabelGroup(text string) string
}

// groupSortDigits/groupSortOther are the forced sort values for
// the two terminal buckets (spec §6 "Sort order for display-label groups").
const (
	groupSortDigits = 0x10FFFF
	groupSortOther  = 0x10FFFF + 1
)

// defaultGenerator is the terminal fallback mapping A-Z, digits to "#", and
// everything else to "?".
type defaultGenerator struct{}

func (defaultGenerator) Name() string                       { return "default" }
func (defaultGenerator) Priority() int                       { return 0 }
func (defaultGenerator) ValidForLocale(string) bool          { return true }
func (defaultGenerator) PreferredForLocale(string) bool      { return false }
func (defaultGenerator) DisplayLabelGroups() []string        { return defaultGroups() }

func defaultGroups() []string {
	groups := make([]string, 0, 26)
	for c := 'A'; c <= 'Z'; c++ {
		groups = append(groups, string(c))
	}

	return groups
}

func (defaultGenerator) DisplayLabelGroup(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "?"
	}

	r := []rune(strings.ToUpper(text))[0]

	switch {
	case r >= '0' && r <= '9':
		return "#"
	case r >= 'A' && r <= 'Z':
		return string(r)
	default:
		return "?"
	}
}

// manifestGenerator adapts a TOML-described generator manifest to
// DisplayLabelGroupGenerator.
type manifestGenerator struct {
	name       string
	priority   int
	locales    []string
	preferred  []string
	groups     []string
}

type generatorManifest struct {
	Name              string   `toml:"name"`
	Priority          int      `toml:"priority"`
	ValidLocales      []string `toml:"valid_locales"`
	PreferredLocales  []string `toml:"preferred_locales"`
	Groups            []string `toml:"groups"`
}

func (g *manifestGenerator) Name() string { return g.name }
func (g *manifestGenerator) Priority() int { return g.priority }

func (g *manifestGenerator) ValidForLocale(locale string) bool {
	if len(g.locales) == 0 {
		return true
	}

	for _, l := range g.locales {
		if strings.EqualFold(l, locale) {
			return true
		}
	}

	return false
}

func (g *manifestGenerator) PreferredForLocale(locale string) bool {
	for _, l := range g.preferred {
		if strings.EqualFold(l, locale) {
			return true
		}
	}

	return false
}

func (g *manifestGenerator) DisplayLabelGroups() []string { return g.groups }

func (g *manifestGenerator) DisplayLabelGroup(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	prefix := []rune(strings.ToUpper(text))[0:1][0]

	for _, group := range g.groups {
		if strings.EqualFold(group, string(prefix)) {
			return group
		}
	}

	return ""
}

// displayLabelRegistry discovers generators from QTCONTACTS_SQLITE_PLUGIN_PATH,
// filters/sorts them per locale, and derives the group→sortOrder map used by
// the display-label synthesis step of Writer (spec §4.F step 4, §6).
type displayLabelRegistry struct {
	mu         sync.RWMutex
	generators []DisplayLabelGroupGenerator
	sortValues map[string]int
	nextUnseen int
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
}

func newDisplayLabelRegistry(pluginPaths []string, logger *slog.Logger) *displayLabelRegistry {
	reg := &displayLabelRegistry{
		generators: []DisplayLabelGroupGenerator{defaultGenerator{}},
		sortValues: make(map[string]int),
		logger:     logger,
	}

	reg.reload(pluginPaths)

	if len(pluginPaths) > 0 {
		if w, err := fsnotify.NewWatcher(); err == nil {
			reg.watcher = w

			for _, p := range pluginPaths {
				if err := w.Add(p); err != nil {
					logger.Warn("cannot watch display-label plugin path", slog.String("path", p), slog.Any("error", err))
				}
			}

			go reg.watchLoop(pluginPaths)
		} else {
			logger.Warn("cannot start display-label plugin watcher", slog.Any("error", err))
		}
	}

	return reg
}

func (reg *displayLabelRegistry) watchLoop(pluginPaths []string) {
	for event := range reg.watcher.Events {
		if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
			reg.logger.Info("reloading display-label group generators", slog.String("event", event.Name))
			reg.reload(pluginPaths)
		}
	}
}

func (reg *displayLabelRegistry) reload(pluginPaths []string) {
	generators := []DisplayLabelGroupGenerator{defaultGenerator{}}

	for _, dir := range pluginPaths {
		manifests, err := loadManifests(dir)
		if err != nil {
			reg.logger.Warn("loading display-label plugin manifests", slog.String("path", dir), slog.Any("error", err))
			continue
		}

		generators = append(generators, manifests...)
	}

	sort.Slice(generators, func(i, j int) bool { return generators[i].Priority() > generators[j].Priority() })

	reg.mu.Lock()
	reg.generators = generators
	reg.sortValues = buildGroupSortValues(generators)
	reg.nextUnseen = maxSortValue(reg.sortValues) + 2
	reg.mu.Unlock()
}

func loadManifests(dir string) ([]DisplayLabelGroupGenerator, error) {
	entries, err := readDirTOML(dir)
	if err != nil {
		return nil, err
	}

	var out []DisplayLabelGroupGenerator

	for _, path := range entries {
		var m generatorManifest

		if _, err := toml.DecodeFile(path, &m); err != nil {
			continue
		}

		out = append(out, &manifestGenerator{
			name:      m.Name,
			priority:  m.Priority,
			locales:   m.ValidLocales,
			preferred: m.PreferredLocales,
			groups:    m.Groups,
		})
	}

	return out, nil
}

// buildGroupSortValues assigns each known group its position in the
// concatenated list of all generators' group lists, forcing "#" and "?" to
// the terminal values (spec §6).
func buildGroupSortValues(generators []DisplayLabelGroupGenerator) map[string]int {
	values := make(map[string]int)
	pos := 0

	for _, gen := range generators {
		for _, group := range gen.DisplayLabelGroups() {
			if _, ok := values[group]; !ok {
				values[group] = pos
				pos++
			}
		}
	}

	values["#"] = groupSortDigits
	values["?"] = groupSortOther

	return values
}

func maxSortValue(values map[string]int) int {
	max := 0

	for _, v := range values {
		if v > max && v != groupSortDigits && v != groupSortOther {
			max = v
		}
	}

	return max
}

// GroupFor resolves text to its display-label group by querying generators
// valid for locale in descending priority order until one returns non-empty,
// matching spec §6's discovery contract.
func (reg *displayLabelRegistry) GroupFor(text, locale string) string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, gen := range reg.generators {
		if !gen.ValidForLocale(locale) {
			continue
		}

		if group := gen.DisplayLabelGroup(text); group != "" {
			return group
		}
	}

	return "?"
}

// SortOrderFor returns the stable integer sort value for group, assigning a
// fresh collision value to unseen groups per the +2 rule (spec §6).
func (reg *displayLabelRegistry) SortOrderFor(group string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if v, ok := reg.sortValues[group]; ok {
		return v
	}

	v := reg.nextUnseen
	reg.sortValues[group] = v

	return v
}

func (reg *displayLabelRegistry) Close() error {
	if reg.watcher != nil {
		return reg.watcher.Close()
	}

	return nil
}
