// internal/integrations/registry.go
package integrations

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func Get(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

func All() map[string]Factory {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make(map[string]Factory, len(registry))
	for k, v := range registry {
		out[k] = v
	}
	return out
}

// Build creates a notifier for every configured name that has a registered
// factory. Unknown names and broken configs are logged and skipped.
func Build(log zerolog.Logger, cfgs map[string]json.RawMessage) []Notifier {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Notifier
	for _, name := range names {
		f, ok := Get(name)
		if !ok {
			log.Warn().Str("notifier", name).Msg("no factory registered, skipped")
			continue
		}
		n, err := f(log.With().Str("notifier", name).Logger(), cfgs[name])
		if err != nil {
			log.Error().Err(err).Str("notifier", name).Msg("notifier init failed")
			continue
		}
		out = append(out, n)
	}
	log.Info().Int("count", len(out)).Msg("notifiers built")
	return out
}

// Broadcast delivers ev to every notifier in turn. Failures are logged only.
func Broadcast(ctx context.Context, log zerolog.Logger, ns []Notifier, ev RunEvent) {
	for _, n := range ns {
		if err := n.Notify(ctx, ev); err != nil {
			log.Error().Err(err).Str("notifier", n.Name()).Str("run_id", ev.RunID).Msg("notify failed")
		}
	}
}
