package compose

import (
	"strings"

	"github.com/pitabwire/steward/model"
)

// Context is the typed account context templates are hydrated from. Values
// are addressed with dotted paths into nested maps, e.g. "account.name".
type Context map[string]any

// NewContext builds the hydration context for one account and trigger.
//
//	account.{id,name,plan}
//	scores.{health,risk,opportunity}
//	renewal.{days,stage,date}   date and days only when the renewal is known
//	contract.arr
//	signals.usage_trend_pct     only when the feed had a reading
//	trigger.{kind,variant,reason}
//	owner.*                     copied from the snapshot
func NewContext(scores model.AccountScoreSet, snap *model.AccountSignalSnapshot, trigger model.WorkflowTrigger) Context {
	account := map[string]any{"id": scores.AccountID}
	renewal := map[string]any{"stage": string(scores.RenewalStage)}
	contract := map[string]any{"arr": scores.ARR}
	signals := map[string]any{}

	if scores.AccountPlan != "" {
		account["plan"] = string(scores.AccountPlan)
	}
	account["name"] = scores.AccountID
	if snap != nil {
		if snap.AccountName != "" {
			account["name"] = snap.AccountName
		}
		if snap.UsageTrendPct != nil {
			signals["usage_trend_pct"] = *snap.UsageTrendPct
		}
		if snap.Contract != nil && snap.Contract.RenewalDate != nil {
			renewal["date"] = snap.Contract.RenewalDate.UTC().Format("2006-01-02")
		}
	}
	if scores.RenewalKnown() {
		renewal["days"] = scores.DaysToRenewal
	}

	ctx := Context{
		"account": account,
		"scores": map[string]any{
			"health":      scores.HealthScore,
			"risk":        scores.RiskScore,
			"opportunity": scores.OpportunityScore,
		},
		"renewal":  renewal,
		"contract": contract,
		"signals":  signals,
		"trigger": map[string]any{
			"kind":    string(trigger.Kind),
			"variant": string(trigger.Variant),
			"reason":  trigger.Reason,
		},
	}
	if snap != nil && len(snap.Owner) > 0 {
		ctx["owner"] = deepCopyMap(snap.Owner)
	}
	return ctx
}

// Lookup resolves a dotted path. A path that ends on a nested map or a nil
// value is reported as absent.
func (c Context) Lookup(path string) (any, bool) {
	var current any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	if _, isMap := current.(map[string]any); isMap {
		return nil, false
	}
	return current, true
}
