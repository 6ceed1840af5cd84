package federation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Profile is one named priority configuration: for each "{market}_{category}"
// key, an ordered list of source tags to try.
type Profile struct {
	Name        string                         `json:"name"`
	Description string                         `json:"description"`
	Priorities  map[string][]models.SourceTag `json:"priorities"`
}

// profileFile is the on-disk document shape
type profileFile struct {
	Version        int                 `json:"version"`
	CurrentProfile string              `json:"current_profile"`
	Profiles       map[string]*Profile `json:"priority_profiles"`
	CustomOverrides *struct {
		Enabled   bool                           `json:"enabled"`
		Overrides map[string][]models.SourceTag `json:"overrides"`
	} `json:"custom_overrides,omitempty"`
}

// ProfileManager holds the active profile behind an atomic pointer so readers
// always see a consistent snapshot and switches never block selection.
type ProfileManager struct {
	active    atomic.Pointer[Profile]
	profiles  map[string]*Profile
	knownTags map[models.SourceTag]bool
}

// NewProfileManager loads profiles from the JSON document and activates the
// configured one. Unknown source tags are skipped with a warning.
func NewProfileManager(path string, knownTags []models.SourceTag) (*ProfileManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var file profileFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profile file defines no profiles")
	}

	pm := &ProfileManager{
		profiles:  make(map[string]*Profile, len(file.Profiles)),
		knownTags: make(map[models.SourceTag]bool, len(knownTags)),
	}
	for _, tag := range knownTags {
		pm.knownTags[tag] = true
	}

	for name, profile := range file.Profiles {
		profile.Name = name
		pm.profiles[name] = pm.sanitize(profile)
	}

	current := file.CurrentProfile
	if _, ok := pm.profiles[current]; !ok {
		return nil, fmt.Errorf("current_profile %q not defined", current)
	}

	if err := pm.Switch(current); err != nil {
		return nil, err
	}

	// Custom overrides layer on top of the active profile without touching
	// the named one
	if file.CustomOverrides != nil && file.CustomOverrides.Enabled {
		pm.ApplyOverrides(file.CustomOverrides.Overrides)
	}

	logger.Info("priority profiles loaded",
		zap.String("path", path),
		zap.String("active", current),
		zap.Int("profiles", len(pm.profiles)),
	)

	return pm, nil
}

// sanitize drops unknown source tags from every priority list
func (pm *ProfileManager) sanitize(profile *Profile) *Profile {
	clean := &Profile{
		Name:        profile.Name,
		Description: profile.Description,
		Priorities:  make(map[string][]models.SourceTag, len(profile.Priorities)),
	}
	for key, tags := range profile.Priorities {
		kept := make([]models.SourceTag, 0, len(tags))
		for _, tag := range tags {
			if !pm.knownTags[tag] {
				logger.Warn("unknown source tag in profile, skipping",
					zap.String("profile", profile.Name),
					zap.String("key", key),
					zap.String("tag", string(tag)),
				)
				continue
			}
			kept = append(kept, tag)
		}
		clean.Priorities[key] = kept
	}
	return clean
}

// Active returns the current profile snapshot
func (pm *ProfileManager) Active() *Profile {
	return pm.active.Load()
}

// Switch atomically replaces the active profile
func (pm *ProfileManager) Switch(name string) error {
	profile, ok := pm.profiles[name]
	if !ok {
		return models.NewError(models.ErrNotFound, fmt.Sprintf("profile %q not defined", name))
	}
	pm.active.Store(profile)
	logger.Info("priority profile activated", zap.String("profile", name))
	return nil
}

// ApplyOverrides layers per-key overrides on top of the active profile.
// The named profile itself is never mutated.
func (pm *ProfileManager) ApplyOverrides(overrides map[string][]models.SourceTag) {
	base := pm.active.Load()
	merged := &Profile{
		Name:        base.Name + "+overrides",
		Description: base.Description,
		Priorities:  make(map[string][]models.SourceTag, len(base.Priorities)),
	}
	for key, tags := range base.Priorities {
		merged.Priorities[key] = append([]models.SourceTag(nil), tags...)
	}
	for key, tags := range overrides {
		kept := make([]models.SourceTag, 0, len(tags))
		for _, tag := range tags {
			if pm.knownTags[tag] {
				kept = append(kept, tag)
			} else {
				logger.Warn("unknown source tag in override, skipping",
					zap.String("key", key),
					zap.String("tag", string(tag)),
				)
			}
		}
		merged.Priorities[key] = kept
	}
	pm.active.Store(merged)
}

// PriorityFor returns the ordered source list for a (market, category) pair
func (pm *ProfileManager) PriorityFor(market models.Market, category models.DataCategory) []models.SourceTag {
	profile := pm.active.Load()
	if profile == nil {
		return nil
	}
	return profile.Priorities[ProfileKey(market, category)]
}

// Names lists the defined profile names
func (pm *ProfileManager) Names() []string {
	names := make([]string, 0, len(pm.profiles))
	for name := range pm.profiles {
		names = append(names, name)
	}
	return names
}

// ProfileKey builds the "{market}_{category}" lookup key
func ProfileKey(market models.Market, category models.DataCategory) string {
	return string(market) + "_" + string(category)
}
