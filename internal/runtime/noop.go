package runtime

import (
	"context"
	"fmt"
)

// NullThinker satisfies Thinker without calling out to an LLM: it is the
// default wired into the process wherever no other Thinker implementation has
// been supplied, since that reasoning capability is an external
// collaborator this module does not implement (spec §1 Non-goals). It
// answers deterministically so a squad wired this way still exercises the
// full message/workflow path end to end.
type NullThinker struct{}

// Think returns a fixed acknowledgment; callers needing real reasoning
// must supply their own Thinker.
func (NullThinker) Think(ctx context.Context, prompt string, turns []Turn) (string, error) {
	return fmt.Sprintf("acknowledged: %s", prompt), nil
}

// NullToolCaller satisfies ToolCaller without invoking any external tool
// integration (spec §1 Non-goals): every call fails with ErrToolFailure so
// a misconfigured deployment surfaces the gap instead of silently no-oping.
type NullToolCaller struct{}

func (NullToolCaller) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: tool %q not wired to an integration", ErrToolFailure, name)
}
