package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Campaign kinds shipped with the catalog.
const (
	KindWelcome       = "welcome"
	KindCartRecovery  = "cart-recovery"
	KindReviewRequest = "review-request"
	KindEducationDrip = "education-drip"
)

// Trigger policies. Idempotent campaigns ignore a duplicate trigger while an
// instance is active; replace campaigns cancel the active instance and restart
// the timer from the new trigger.
const (
	PolicyIdempotent = "idempotent"
	PolicyReplace    = "replace"
)

// Cancellation predicates a step may declare. The cancellation gateway maps
// disqualifying business events onto these names.
var knownCancelIf = map[string]bool{
	"order_placed":     true,
	"review_submitted": true,
	"course_completed": true,
}

// StepDefinition is one message of a campaign. Offset is relative to the
// instance trigger time, not to the previous step, so a late-firing step never
// drifts later steps.
type StepDefinition struct {
	StepIndex  int           `json:"step_index"`
	Offset     time.Duration `json:"offset"`
	ContentKey string        `json:"content_key"`
	CancelIf   string        `json:"cancel_if,omitempty"`
}

// CampaignDefinition is immutable after load; adding or changing a campaign is
// a data change plus a catalog version bump, never a code change.
type CampaignDefinition struct {
	Kind               string           `json:"kind"`
	TriggerPolicy      string           `json:"trigger_policy"`
	CancelOnHardBounce bool             `json:"cancel_on_hard_bounce"`
	Steps              []StepDefinition `json:"steps"`
}

// Catalog is the versioned, read-only table of campaign definitions. In-flight
// instances keep referencing the catalog version active at their creation
// time, so loaded versions are never mutated.
type Catalog struct {
	Version   int
	campaigns map[string]CampaignDefinition
}

// Builtin returns catalog version 1: the four campaigns the marketing site
// runs today.
func Builtin() *Catalog {
	day := 24 * time.Hour

	eduSteps := make([]StepDefinition, 12)
	for i := range eduSteps {
		eduSteps[i] = StepDefinition{
			StepIndex:  i,
			Offset:     time.Duration(i+1) * 14 * day,
			ContentKey: fmt.Sprintf("edu_lesson_%d", i+1),
			CancelIf:   "course_completed",
		}
	}

	c := &Catalog{
		Version: 1,
		campaigns: map[string]CampaignDefinition{
			KindWelcome: {
				Kind:               KindWelcome,
				TriggerPolicy:      PolicyIdempotent,
				CancelOnHardBounce: true,
				Steps: []StepDefinition{
					{StepIndex: 0, Offset: 2 * day, ContentKey: "welcome_intro"},
					{StepIndex: 1, Offset: 4 * day, ContentKey: "welcome_products"},
					{StepIndex: 2, Offset: 7 * day, ContentKey: "welcome_story"},
					{StepIndex: 3, Offset: 10 * day, ContentKey: "welcome_discount"},
				},
			},
			KindCartRecovery: {
				Kind:               KindCartRecovery,
				TriggerPolicy:      PolicyReplace,
				CancelOnHardBounce: true,
				Steps: []StepDefinition{
					{StepIndex: 0, Offset: 1 * time.Hour, ContentKey: "cart_reminder", CancelIf: "order_placed"},
					{StepIndex: 1, Offset: 24 * time.Hour, ContentKey: "cart_urgency", CancelIf: "order_placed"},
					// Final step offers a discount code and is the last cart
					// reminder the subject will see.
					{StepIndex: 2, Offset: 72 * time.Hour, ContentKey: "cart_discount", CancelIf: "order_placed"},
				},
			},
			KindReviewRequest: {
				Kind:               KindReviewRequest,
				TriggerPolicy:      PolicyIdempotent,
				CancelOnHardBounce: true,
				Steps: []StepDefinition{
					{StepIndex: 0, Offset: 7 * day, ContentKey: "review_request", CancelIf: "review_submitted"},
					{StepIndex: 1, Offset: 14 * day, ContentKey: "review_reminder", CancelIf: "review_submitted"},
				},
			},
			KindEducationDrip: {
				Kind:               KindEducationDrip,
				TriggerPolicy:      PolicyIdempotent,
				CancelOnHardBounce: true,
				Steps:              eduSteps,
			},
		},
	}
	return c
}

// catalogFile is the on-disk override format. Offsets are Go duration strings
// ("1h", "48h") so the file stays human-readable.
type catalogFile struct {
	Version   int `json:"version"`
	Campaigns []struct {
		Kind               string `json:"kind"`
		TriggerPolicy      string `json:"trigger_policy"`
		CancelOnHardBounce bool   `json:"cancel_on_hard_bounce"`
		Steps              []struct {
			StepIndex  int    `json:"step_index"`
			Offset     string `json:"offset"`
			ContentKey string `json:"content_key"`
			CancelIf   string `json:"cancel_if,omitempty"`
		} `json:"steps"`
	} `json:"campaigns"`
}

// Load reads a catalog file and merges it over the builtin definitions. The
// file must carry a version strictly greater than the builtin version; a
// redefinition without a version bump is refused so running sequences cannot
// be corrupted mid-flight.
func Load(path string) (*Catalog, error) {
	base := Builtin()
	if path == "" {
		if err := base.Validate(); err != nil {
			return nil, err
		}
		return base, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	if file.Version <= base.Version {
		return nil, fmt.Errorf("catalog file version %d must be greater than builtin version %d", file.Version, base.Version)
	}

	merged := &Catalog{
		Version:   file.Version,
		campaigns: make(map[string]CampaignDefinition, len(base.campaigns)),
	}
	for kind, def := range base.campaigns {
		merged.campaigns[kind] = def
	}

	for _, fc := range file.Campaigns {
		def := CampaignDefinition{
			Kind:               fc.Kind,
			TriggerPolicy:      fc.TriggerPolicy,
			CancelOnHardBounce: fc.CancelOnHardBounce,
		}
		for _, fs := range fc.Steps {
			offset, err := time.ParseDuration(fs.Offset)
			if err != nil {
				return nil, fmt.Errorf("campaign %s step %d: invalid offset %q: %w", fc.Kind, fs.StepIndex, fs.Offset, err)
			}
			def.Steps = append(def.Steps, StepDefinition{
				StepIndex:  fs.StepIndex,
				Offset:     offset,
				ContentKey: fs.ContentKey,
				CancelIf:   fs.CancelIf,
			})
		}
		merged.campaigns[fc.Kind] = def
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Definition returns the campaign for a kind, or false when the kind is
// unknown.
func (c *Catalog) Definition(kind string) (CampaignDefinition, bool) {
	def, ok := c.campaigns[kind]
	return def, ok
}

// Kinds lists the known campaign kinds, sorted for stable output.
func (c *Catalog) Kinds() []string {
	kinds := make([]string, 0, len(c.campaigns))
	for k := range c.campaigns {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks every definition: a known trigger policy, at least one step,
// contiguous step indexes, strictly increasing positive offsets, non-empty
// content keys and known cancel predicates.
func (c *Catalog) Validate() error {
	for kind, def := range c.campaigns {
		if def.TriggerPolicy != PolicyIdempotent && def.TriggerPolicy != PolicyReplace {
			return fmt.Errorf("campaign %s: unknown trigger policy %q", kind, def.TriggerPolicy)
		}
		if len(def.Steps) == 0 {
			return fmt.Errorf("campaign %s: no steps defined", kind)
		}
		var prev time.Duration
		for i, step := range def.Steps {
			if step.StepIndex != i {
				return fmt.Errorf("campaign %s: step index %d at position %d", kind, step.StepIndex, i)
			}
			if step.Offset <= 0 {
				return fmt.Errorf("campaign %s step %d: offset must be positive", kind, i)
			}
			if step.Offset <= prev && i > 0 {
				return fmt.Errorf("campaign %s step %d: offsets must be strictly increasing", kind, i)
			}
			if step.ContentKey == "" {
				return fmt.Errorf("campaign %s step %d: content key is required", kind, i)
			}
			if step.CancelIf != "" && !knownCancelIf[step.CancelIf] {
				return fmt.Errorf("campaign %s step %d: unknown cancel predicate %q", kind, i, step.CancelIf)
			}
			prev = step.Offset
		}
	}
	return nil
}
