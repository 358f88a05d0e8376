// Package harness runs layer-tree scenarios written in YAML.
//
// A scenario declares layers, then walks through steps that mutate the
// tree, commit, and check effective priorities and rate decisions. Each run
// uses a fresh layer.Tree, a vsync.Tracker seeded at the scenario's display
// rate, and a scheduler with the scenario's rate policy, so traces are
// deterministic and can be compared against golden files.
//
// # Scenario Format
//
//	name: inherit_from_child
//	description: "Grandchild inherits from Child once it clears its own value"
//	display_rate: 120
//	policy:
//	  direction: highest
//	layers:
//	  - name: parent
//	  - name: child
//	    parent: parent
//	  - name: grandchild
//	    parent: child
//	steps:
//	  - op: set_priority
//	    layer: child
//	    priority: 1
//	  - op: commit
//	  - op: expect
//	    priorities: { parent: unset, child: 1, grandchild: 1 }
//
// # Operations
//
//   - set_parent, detach, remove: topology changes
//   - set_priority, clear_priority, set_frame_rate, set_visible: pending state
//   - commit: one layer, or every layer when layer is empty
//   - expect: effective priorities, sources, and parents
//   - expect_cycle: set_parent must be rejected and leave the tree unchanged
//   - choose_rate: run rate arbitration and check the decision
//
// Any mutating step may carry expect_error with a substring the error must
// contain.
package harness
