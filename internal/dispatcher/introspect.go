package dispatcher

import (
	"encoding/json"

	"github.com/bytesonus/juno/internal/registry"
)

// answerBrokerFunction implements the broker pseudo-module's two declared
// functions, "listModules" and "getModuleInfo". ok=false means functionName
// is neither, which the caller reports as UNKNOWN_FUNCTION even though
// HasFunction already returned true for it -- defensive only, since the two
// names declared at bootstrap are exactly the two handled here.
func (d *Dispatcher) answerBrokerFunction(functionName string, arguments json.RawMessage) (json.RawMessage, bool) {
	switch functionName {
	case "listModules":
		registered, unregistered := d.Registry.Snapshot()
		summaries := make([]registry.Summary, 0, len(registered)+len(unregistered))
		for _, m := range registered {
			summaries = append(summaries, registry.Summarize(m))
		}
		for _, m := range unregistered {
			summaries = append(summaries, registry.Summarize(m))
		}
		data, _ := json.Marshal(summaries)
		return data, true
	case "getModuleInfo":
		var args struct {
			ModuleID string `json:"moduleId"`
		}
		_ = json.Unmarshal(arguments, &args)
		m, ok := d.Registry.Get(args.ModuleID)
		if !ok {
			return json.RawMessage("null"), true
		}
		data, _ := json.Marshal(registry.Summarize(m))
		return data, true
	default:
		return nil, false
	}
}
