package governance

import (
	"fmt"
	"os"
	"strings"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
)

// Level classifies an action's blast radius.
type Level string

const (
	LevelReadOnly       Level = "READ_ONLY"
	LevelResearchMutate Level = "RESEARCH_MUTATE"
	LevelLiveExecute    Level = "LIVE_EXECUTE"
)

// LiveToken is the exact content the arming token file must hold.
const LiveToken = "LIVE-EXECUTION-ARMED-9f2e"

// actionLevels is the closed classification table. Anything not listed is
// treated as LIVE_EXECUTE so new actions fail safe until classified.
var actionLevels = map[string]Level{
	"season_compare":     LevelReadOnly,
	"replay_topk":        LevelReadOnly,
	"replay_batches":     LevelReadOnly,
	"replay_leaderboard": LevelReadOnly,
	"plan_list":          LevelReadOnly,
	"plan_show":          LevelReadOnly,
	"plan_view_render":   LevelReadOnly,
	"plan_quality":       LevelReadOnly,
	"snapshot_list":      LevelReadOnly,
	"meta_read":          LevelReadOnly,

	"batch_submit":         LevelResearchMutate,
	"batch_run":            LevelResearchMutate,
	"season_rebuild_index": LevelResearchMutate,
	"season_tag":           LevelResearchMutate,
	"season_note":          LevelResearchMutate,
	"snapshot_create":      LevelResearchMutate,
	"dataset_register":     LevelResearchMutate,
	"plan_build":           LevelResearchMutate,

	"live_execute": LevelLiveExecute,
	"order_submit": LevelLiveExecute,
}

// Classify returns an action's level; unknown actions fail safe to
// LIVE_EXECUTE.
func Classify(action string) Level {
	if lvl, ok := actionLevels[action]; ok {
		return lvl
	}
	return LevelLiveExecute
}

// Decision is the policy engine's verdict for one action.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Risk    string `json:"risk"`
	Action  string `json:"action"`
	Season  string `json:"season,omitempty"`
}

// Policy gates actions against season freeze state and live arming.
type Policy struct {
	Seasons *SeasonStore

	// EnableLive mirrors the ENABLE_LIVE environment flag; TokenPath
	// points at the arming token file. Both must check out for
	// LIVE_EXECUTE actions.
	EnableLive bool
	TokenPath  string
}

func risk(lvl Level) string {
	switch lvl {
	case LevelReadOnly:
		return "low"
	case LevelResearchMutate:
		return "medium"
	default:
		return "high"
	}
}

// Decide classifies the action and applies the enforcement rules. IO
// failures while reading governance state surface as errors; a denied
// action is a valid Decision, not an error.
func (p *Policy) Decide(action, season string) (Decision, error) {
	lvl := Classify(action)
	d := Decision{Action: action, Season: season, Risk: risk(lvl)}

	switch lvl {
	case LevelReadOnly:
		d.Allowed = true
		d.Reason = "read-only actions are always allowed"
	case LevelResearchMutate:
		frozen, err := p.Seasons.Frozen(season)
		if err != nil {
			return Decision{}, err
		}
		if frozen {
			d.Reason = fmt.Sprintf("season %s is frozen", season)
		} else {
			d.Allowed = true
			d.Reason = "season is mutable"
		}
	case LevelLiveExecute:
		d.Allowed, d.Reason = p.liveArmed()
	}

	logging.Get(logging.CategoryGovernance).Info("policy %s/%s season=%s allowed=%t: %s",
		action, lvl, season, d.Allowed, d.Reason)
	return d, nil
}

func (p *Policy) liveArmed() (bool, string) {
	if !p.EnableLive {
		return false, "live execution is not enabled"
	}
	if p.TokenPath == "" {
		return false, "no live token path configured"
	}
	data, err := os.ReadFile(p.TokenPath)
	if err != nil {
		return false, "live token file is unreadable"
	}
	if strings.TrimSpace(string(data)) != LiveToken {
		return false, "live token content mismatch"
	}
	return true, "live execution armed"
}

// Enforce turns a denial into the typed error the transport layer maps:
// FrozenViolation for frozen-season mutations, PolicyDenied otherwise.
func (p *Policy) Enforce(action, season string) error {
	d, err := p.Decide(action, season)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	if Classify(action) == LevelResearchMutate {
		return &errs.FrozenViolation{Season: season}
	}
	return &errs.PolicyDenied{Action: action, Reason: d.Reason}
}
