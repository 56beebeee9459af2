package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Selectors holds every selector, pattern and threshold the extraction layers
// depend on. Pools are ordered: earlier entries are tried first, so a front-end
// change is handled by appending an entry and bumping Version.
type Selectors struct {
	Version int `yaml:"version"`

	// Feed discovery
	PostLinkSelectors []string `yaml:"post_link_selectors"`
	PostURLPatterns   []string `yaml:"post_url_patterns"`

	// Structured-query interception
	QueryNameHeaders   []string `yaml:"query_name_headers"`
	QueryURLPatterns   []string `yaml:"query_url_patterns"`
	CountQueryPatterns []string `yaml:"count_query_patterns"`
	VideoQueryPatterns []string `yaml:"video_query_patterns"`
	VideoQualityFields []string `yaml:"video_quality_fields"`

	// Page state and gate detection
	PageStateSelectors []string `yaml:"page_state_selectors"`
	FullPageMarkers    []string `yaml:"full_page_markers"`

	// Rendered text
	ComboPatterns []string `yaml:"combo_patterns"`

	// Content and time
	ContainerSelectors []string `yaml:"container_selectors"`
	ContentSelectors   []string `yaml:"content_selectors"`
	TimeSelectors      []string `yaml:"time_selectors"`
	TranslationMarkers []string `yaml:"translation_markers"`

	// Media
	ImageSelectors       []string `yaml:"image_selectors"`
	ImageExcludePatterns []string `yaml:"image_exclude_patterns"`
	MinImageDimension    int      `yaml:"min_image_dimension"`
	PageScanCap          int      `yaml:"page_scan_cap"`
	VideoExtensions      []string `yaml:"video_extensions"`
	ImageExtensions      []string `yaml:"image_extensions"`
	VideoPathSegments    []string `yaml:"video_path_segments"`
	VideoMimePrefixes    []string `yaml:"video_mime_prefixes"`

	// Plausible ranges: Ranges is the default profile, Profiles override
	// per account tier and AccountProfiles maps accounts onto a tier.
	Ranges          map[string]Range            `yaml:"ranges"`
	Profiles        map[string]map[string]Range `yaml:"profiles"`
	AccountProfiles map[string]string           `yaml:"account_profiles"`
}

type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// RangesFor resolves the plausible ranges for an account, falling back to
// the default profile for metrics the tier does not override.
func (s *Selectors) RangesFor(account string) map[string]Range {
	out := make(map[string]Range, len(s.Ranges))
	for k, v := range s.Ranges {
		out[k] = v
	}
	if name, ok := s.AccountProfiles[account]; ok {
		for k, v := range s.Profiles[name] {
			out[k] = v
		}
	}
	return out
}

func DefaultSelectors() *Selectors {
	return &Selectors{
		Version: 1,
		PostLinkSelectors: []string{
			"a[href*='/post/']",
		},
		PostURLPatterns: []string{
			`/@([A-Za-z0-9._]+)/post/([A-Za-z0-9_-]+)`,
			`/t/([A-Za-z0-9_-]+)`,
		},
		QueryNameHeaders: []string{"x-fb-friendly-name", "x-root-field-name"},
		QueryURLPatterns: []string{"*/graphql*", "*/api/graphql*"},
		CountQueryPatterns: []string{
			"*postpage*",
			"*profilethreads*",
			"*threadspost*",
			"*feed*",
		},
		VideoQueryPatterns: []string{
			"*video*",
			"*playback*",
		},
		VideoQualityFields: []string{
			"playable_url_quality_hd",
			"browser_native_hd_url",
			"playable_url",
			"browser_native_sd_url",
		},
		PageStateSelectors: []string{
			"script[type='application/json'][data-sjs]",
			"script[type='application/json']",
		},
		FullPageMarkers: []string{
			"thread_items",
			"containing_thread",
		},
		ComboPatterns: []string{
			`(?m)^\s*([\d.,]+[KkMm]?)\s*\n\s*([\d.,]+[KkMm]?)\s*\n\s*([\d.,]+[KkMm]?)\s*\n\s*([\d.,]+[KkMm]?)\s*$`,
			`(?i)([\d.,]+[KkMm]?)\s*likes?\D{0,12}?([\d.,]+[KkMm]?)\s*(?:replies|reply|comments?)\D{0,12}?([\d.,]+[KkMm]?)\s*reposts?\D{0,12}?([\d.,]+[KkMm]?)\s*shares?`,
		},
		ContainerSelectors: []string{
			"div[data-pressable-container='true']",
			"article",
			"div[role='article']",
		},
		ContentSelectors: []string{
			"div[data-pressable-container='true'] span[dir='auto']",
			"article span[dir='auto']",
		},
		TimeSelectors: []string{
			"time[datetime]",
			"abbr[data-utime]",
		},
		TranslationMarkers: []string{
			"See translation",
			"Translate",
			"翻译",
			"查看翻译",
		},
		ImageSelectors: []string{
			"picture img",
			"img[src*='cdninstagram']",
			"img[src*='fbcdn']",
		},
		ImageExcludePatterns: []string{
			"/rsrc.php",
			"profile_pic",
			"/t51.2885-19/",
			"s150x150",
			"static.cdninstagram.com",
			"emoji",
		},
		MinImageDimension: 150,
		PageScanCap:       3,
		VideoExtensions:   []string{".mp4", ".webm", ".mov", ".m3u8", ".mpd", ".m4v"},
		ImageExtensions:   []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".heic"},
		VideoPathSegments: []string{"/o1/v/t16/", "/v/t50.", "/t50.2886-16/", "/t42.1790-2/"},
		VideoMimePrefixes: []string{"video/", "application/vnd.apple.mpegurl", "application/dash+xml"},
		Ranges: map[string]Range{
			"likes":    {Min: 0, Max: 5000000},
			"comments": {Min: 0, Max: 200},
			"reposts":  {Min: 0, Max: 100000},
			"shares":   {Min: 0, Max: 100000},
			"views":    {Min: 0, Max: 500000000},
		},
		Profiles: map[string]map[string]Range{
			"celebrity": {
				"comments": {Min: 0, Max: 200000},
			},
		},
		AccountProfiles: map[string]string{},
	}
}

// LoadSelectors reads a selector file over the built-in defaults. Pools the
// file leaves empty keep their default entries.
func LoadSelectors(file string) (*Selectors, error) {
	defaults := DefaultSelectors()
	if file == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read selectors file: %w", err)
	}

	var loaded Selectors
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse selectors file: %w", err)
	}

	merged := mergeSelectors(defaults, &loaded)
	if err := merged.validate(); err != nil {
		return nil, fmt.Errorf("invalid selectors file %s: %w", file, err)
	}
	return merged, nil
}

func mergeSelectors(base, over *Selectors) *Selectors {
	out := *base
	if over.Version != 0 {
		out.Version = over.Version
	}
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&out.PostLinkSelectors, over.PostLinkSelectors)
	pick(&out.PostURLPatterns, over.PostURLPatterns)
	pick(&out.QueryNameHeaders, over.QueryNameHeaders)
	pick(&out.QueryURLPatterns, over.QueryURLPatterns)
	pick(&out.CountQueryPatterns, over.CountQueryPatterns)
	pick(&out.VideoQueryPatterns, over.VideoQueryPatterns)
	pick(&out.VideoQualityFields, over.VideoQualityFields)
	pick(&out.PageStateSelectors, over.PageStateSelectors)
	pick(&out.FullPageMarkers, over.FullPageMarkers)
	pick(&out.ComboPatterns, over.ComboPatterns)
	pick(&out.ContainerSelectors, over.ContainerSelectors)
	pick(&out.ContentSelectors, over.ContentSelectors)
	pick(&out.TimeSelectors, over.TimeSelectors)
	pick(&out.TranslationMarkers, over.TranslationMarkers)
	pick(&out.ImageSelectors, over.ImageSelectors)
	pick(&out.ImageExcludePatterns, over.ImageExcludePatterns)
	pick(&out.VideoExtensions, over.VideoExtensions)
	pick(&out.ImageExtensions, over.ImageExtensions)
	pick(&out.VideoPathSegments, over.VideoPathSegments)
	pick(&out.VideoMimePrefixes, over.VideoMimePrefixes)
	if over.MinImageDimension > 0 {
		out.MinImageDimension = over.MinImageDimension
	}
	if over.PageScanCap > 0 {
		out.PageScanCap = over.PageScanCap
	}
	if len(over.Ranges) > 0 {
		out.Ranges = make(map[string]Range, len(base.Ranges))
		for k, v := range base.Ranges {
			out.Ranges[k] = v
		}
		for k, v := range over.Ranges {
			out.Ranges[k] = v
		}
	}
	if len(over.Profiles) > 0 {
		out.Profiles = over.Profiles
	}
	if len(over.AccountProfiles) > 0 {
		out.AccountProfiles = over.AccountProfiles
	}
	return &out
}

func (s *Selectors) validate() error {
	for name, r := range s.Ranges {
		if r.Max < r.Min {
			return fmt.Errorf("range %s: max %d below min %d", name, r.Max, r.Min)
		}
	}
	for tier, ranges := range s.Profiles {
		for name, r := range ranges {
			if r.Max < r.Min {
				return fmt.Errorf("profile %s range %s: max %d below min %d", tier, name, r.Max, r.Min)
			}
		}
	}
	for account, tier := range s.AccountProfiles {
		if _, ok := s.Profiles[tier]; !ok {
			return fmt.Errorf("account %s mapped to unknown profile %s", account, tier)
		}
	}
	return nil
}
