package captable

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/zeroos-project/kernel/internal/capability"
	"github.com/zeroos-project/kernel/internal/objtable"
)

// TestRightsAreMonotonicallyNarrowed is spec §8 property 1: for all
// capability derivations c' from c, rights(c') ⊆ rights(c). Rapid
// generates random chains of Duplicate calls, each narrowing by a random
// submask, and checks the subset relation holds at every step.
func TestRightsAreMonotonicallyNarrowed(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		objs := objtable.New()
		reg := NewRegistry(nil)
		tab := reg.New(1, 64)

		rootRights := capability.Rights(rapid.IntRange(0, int(capability.Signal)*2-1).Draw(rt, "rootRights"))
		slot, err := tab.Install(capability.Capability{
			Object: objs.Alloc(objtable.KindEndpoint, nil),
			Kind:   objtable.KindEndpoint,
			Rights: rootRights,
		})
		if err != nil {
			rt.Fatal(err)
		}

		parentRights := rootRights
		steps := rapid.IntRange(0, 6).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			mask := capability.Rights(rapid.IntRange(0, int(parentRights)).Draw(rt, "mask")) & parentRights
			child, err := tab.Duplicate(slot, mask, uint64(i))
			if err != nil {
				// An escalating mask must be rejected, never silently clamped.
				if mask.Subset(parentRights) {
					rt.Fatalf("valid attenuation rejected: %v", err)
				}
				continue
			}
			got, err := tab.Lookup(child, 0)
			if err != nil {
				rt.Fatal(err)
			}
			if !got.Rights.Subset(parentRights) {
				rt.Fatalf("child rights %b not a subset of parent rights %b", got.Rights, parentRights)
			}
			slot, parentRights = child, got.Rights
		}
	})
}
